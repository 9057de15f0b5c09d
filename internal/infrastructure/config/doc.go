// Package config loads and validates the mqttsession daemon configuration.
//
// This package manages:
//   - The list of named MQTT sessions and their subscriptions
//   - Journal, API, WebSocket, InfluxDB and logging settings
//   - Overrides from MQTTSESSION_* environment variables
//
// Security Considerations:
//   - Broker passwords, the InfluxDB token, S3 keys and the JWT secret
//     should come from environment variables
//   - The config file should have restricted permissions (0600)
//   - An empty security.jwt.secret leaves the HTTP API unauthenticated
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, s := range cfg.Sessions {
//	    fmt.Println(s.Name, s.Broker)
//	}
package config
