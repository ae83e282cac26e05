package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// Endpoint is the OTLP/HTTP trace collector URL. Tracing is off when empty.
	Endpoint    string
	ServiceName string
	EnablePprof bool
}
