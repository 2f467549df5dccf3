package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// BasePath mounts the API under a prefix, e.g. /kernelq.
	BasePath string
}
