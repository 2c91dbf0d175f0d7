// Package config loads and shares the configuration of a bus node.
//
// A Config has one section per concern: identity, nats, routing, throttle,
// retry, bus, sessions and metrics. The Loader starts from Defaults, merges
// each layer in order (JSON, or YAML for .yaml/.yml files) and applies MBUS_*
// environment variables last:
//
//	loader := config.NewLoader(config.WithValidation())
//	cfg, err := loader.Load("configs/base.yaml", "configs/production.json")
//
// Duration fields accept Go duration strings and a day suffix ("30s", "2d").
//
// Supported environment variables (WithEnvPrefix changes MBUS). Every bad
// value is reported, not just the first:
//
//	MBUS_IDENTITY             node identity
//	MBUS_NATS_URLS            comma separated, also enables NATS
//	MBUS_NATS_USERNAME        MBUS_NATS_PASSWORD  MBUS_NATS_TOKEN
//	MBUS_NATS_SUBJECT_PREFIX  subject prefix of the NATS network
//	MBUS_METRICS_PORT         MBUS_METRICS_PATH
//	MBUS_DEFAULT_TIMEOUT      default message timeout
//
// # Shared configuration
//
// Manager publishes the shared sections (routing, throttle, retry, bus,
// sessions and version) to the NATS KV bucket mbus_config, one key per
// section, and watches the bucket afterwards. A put on the routing key is
// validated and handed to the RoutingTarget, normally the MessageBus, which
// swaps its routing tables atomically. Other components subscribe with
// OnChange:
//
//	mgr, _ := config.NewConfigManager(ctx, cfg, client, config.WithRoutingTarget(b))
//	_ = mgr.Start(ctx)
//	for u := range mgr.OnChange("throttle") {
//		...
//	}
//
// At Start the file version is compared with the published version; the
// newer one wins and equal versions keep what is in the bucket.
package config
