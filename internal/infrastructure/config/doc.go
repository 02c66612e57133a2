// Package config handles loading and validating Gray Logic Gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords, InfluxDB tokens and the cluster encryption key should
//     be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Identity values under gateway: are only seeds. The KV store is the source of
// truth once the gateway has been provisioned.
//
// Usage:
//
//	cfg, err := config.Load("configs/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Broker.Transport)
package config
