/*
Package config provides configuration management for drmcore devices.

Configuration is assembled from three sources, later sources winning:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│  (MESA_LOADER_DRIVER_OVERRIDE, FD_FORCE_    │
	│   VTEST, LIBGL_DEBUG, DRMCORE_*)            │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Sections

global: log level, format and file.

device: driver override, forced virtualized transport, diagnostics, the
driver names tried when opening a render node, and overrides that are
refused outright.

cache: the largest size class retained and how long a freed buffer stays
parked before a cleanup pass releases it.

heap: sub-allocation gating (minimum hardware generation), backing block
size and count, alignment and the largest request served from a heap.

submit: synchronous or worker-pool submission.

monitoring: Prometheus endpoint.

# Usage

	cfg, err := config.Load("/etc/drmcore/config.yaml")
	if err != nil {
		log.Fatal(err)
	}

	dev, err := device.Open(cfg)

Configuration file format:

	global:
	  log_level: INFO
	  log_format: text

	device:
	  driver_override: ""
	  force_vtest: false
	  render_nodes: [msm, virtio_gpu]
	  rejected_overrides: [virtio_gpu]

	cache:
	  max_bucket_size: 64MB
	  max_age: 1s

	heap:
	  enabled: true
	  block_size: 4MB
	  max_blocks: 256
	  min_gen: 6
	  max_suballoc_size: 1MB
	  alignment: 64
	  object_size: 32KB

	submit:
	  threaded: false
	  workers: 1

	monitoring:
	  metrics:
	    enabled: false
	    port: 9464
	    path: /metrics
	    namespace: drmcore

Sizes accept the suffixes understood by utils.ParseBytes. Boolean
environment values accept 1/0, y/n, yes/no, true/false and on/off.
*/
package config
