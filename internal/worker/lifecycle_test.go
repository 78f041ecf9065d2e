package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		event   Event
		to      State
		effects []Effect
	}{
		{StateInstalling, EventInstall, StateInstalling, []Effect{EffectOpenBucket, EffectPrecache}},
		{StateInstalling, EventInstallSucceeded, StateWaiting, nil},
		{StateInstalling, EventInstallFailed, StateRedundant, []Effect{EffectDiscard}},
		{StateInstalling, EventSkipWaiting, StateInstalling, nil},
		{StateWaiting, EventSkipWaiting, StateActivating, activateEffects},
		{StateWaiting, EventControllerReleased, StateActivating, activateEffects},
		{StateWaiting, EventReplaced, StateRedundant, []Effect{EffectDiscard}},
		{StateActivating, EventSkipWaiting, StateActivating, nil},
		{StateActivating, EventActivateDone, StateActivated, nil},
		{StateActivated, EventSkipWaiting, StateActivated, nil},
		{StateActivated, EventReplaced, StateRedundant, nil},
		{StateRedundant, EventInstall, StateRedundant, nil},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			to, effects := Transition(tt.from, tt.event)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestTransition_ActivateOrder(t *testing.T) {
	_, effects := Transition(StateWaiting, EventSkipWaiting)
	// buckets are cleaned before pages are claimed
	assert.Equal(t, []Effect{
		EffectDeleteStaleBuckets,
		EffectPruneBucket,
		EffectClaimClients,
		EffectRetirePrevious,
	}, effects)
}
