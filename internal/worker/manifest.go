package worker

// ManifestEntry is one precached URL. Revision changes force a new install
// even when the URL is unchanged.
type ManifestEntry struct {
	URL      string `yaml:"url" json:"url"`
	Revision string `yaml:"revision" json:"revision,omitempty"`
}

// Manifest is the ordered precache list. Paths must match request paths
// exactly.
type Manifest []ManifestEntry

const OfflinePath = "/offline.html"

// DefaultManifest is the build-time precache list of the app shell.
func DefaultManifest() Manifest {
	return Manifest{
		{URL: "/index.html"},
		{URL: OfflinePath},
		{URL: "/manifest.json"},
		{URL: "/version.json"},
		{URL: "/sw.js"},
		{URL: "/icons/icon-72x72.png"},
		{URL: "/icons/icon-96x96.png"},
		{URL: "/icons/icon-128x128.png"},
		{URL: "/icons/icon-144x144.png"},
		{URL: "/icons/icon-152x152.png"},
		{URL: "/icons/icon-192x192.png"},
		{URL: "/icons/icon-384x384.png"},
		{URL: "/icons/icon-512x512.png"},
		{URL: "/icons/badge-72x72.png"},
	}
}

func (m Manifest) pathSet() map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for _, e := range m {
		out[e.URL] = struct{}{}
	}
	return out
}
