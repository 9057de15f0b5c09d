// Package fleet runs the named MQTT sessions declared in config.yaml.
//
// A Fleet owns one session.Client per configured session. It applies the
// last-will, connects, subscribes after every connect (including
// transport reconnects), publishes the optional retained online/offline
// status and fans every session event out to a list of Sinks (journal,
// InfluxDB, Prometheus, the WebSocket hub).
//
//	f, err := fleet.New(cfg.Sessions, provider, router,
//	    fleet.WithSinks(journalSink, metricsSink),
//	    fleet.WithLogger(log),
//	)
//	if err := f.Start(ctx); err != nil {
//	    log.Warn("some sessions failed to connect", "error", err)
//	}
//	defer f.Shutdown(context.Background())
//
// Thread Safety: All methods are safe for concurrent use.
package fleet
