// Package config holds the coordinator configuration.
//
// A configuration starts from Default, is overlaid with a YAML document and
// finally with environment variables:
//
//	VIDC_HW_RESPONSE_TIMEOUT   firmware response timeout in ms [100, 60000]
//	VIDC_FW_UNLOAD_DELAY       delay before firmware unload in ms [0, 60000]
//	VIDC_NON_FATAL_PAGEFAULTS  treat repeated page faults as non-fatal
//	VIDC_DECODE_BATCH          enable decode batching
//	VIDC_DCVS                  enable clock scaling
//	VIDC_USE_SIMULATION        use the simulated firmware
//	VIDC_DEVICE_PATH           shared memory file for the real transport
//	VIDC_REGION_SIZE           shared region size in bytes
//	VIDC_INTERRUPT_TIMEOUT     interrupt wait slice in ms [1, 10000]
//
// Durations in YAML are Go duration strings such as "250ms".
package config
