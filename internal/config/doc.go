// Package config loads the slated configuration file.
//
// The file is JSON (slate-sheikah.json) or YAML (slate-sheikah.yaml). Every
// field is optional; unset values fall back to the server defaults.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  save_interval: 2s
//	  cleanup_interval: 1m
//	  cleanup_threshold: 30m
//	  load_timeout: 30s
//	  allowed_origins: ["https://docs.example.com"]
//	  default_value:
//	    - type: paragraph
//	      children: [{text: ""}]
//	store:
//	  driver: redis
//	  redis:
//	    addr: localhost:6379
//	    prefix: "slate:doc:"
//	log:
//	  level: info
//	  format: json
//
// # Usage
//
//	cfg, err := config.LoadFile("slate-sheikah.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srvCfg := cfg.ServerConfig(logger)
package config
