// Package logx is warden's structured logging.
//
// Logger is a small value type over zerolog. Loggers handed out by a Service
// follow its level and sinks when the config is reloaded; Named and With
// derive loggers carrying fixed fields. Throttle keeps hot warnings (stalls,
// late callbacks) from flooding the sinks.
package logx
