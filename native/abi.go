package native

// Export names of the native core ABI.
const (
	exportMemory              = "memory"
	exportAlloc               = "metrics_alloc"
	exportFree                = "metrics_free"
	exportInitialize          = "metrics_initialize"
	exportCreate              = "metrics_create"
	exportSetValue            = "metrics_set_value"
	exportDestroy             = "metrics_destroy"
	exportCollectPing         = "metrics_collect_ping"
	exportReleaseBuffer       = "metrics_release_buffer"
	exportReleaseErrorMessage = "metrics_release_error_message"
)

// Operation names used in errors, logs and metrics.
const (
	OpInitialize          = "initialize"
	OpCreateMetric        = "create_metric"
	OpSetValue            = "set_value"
	OpDestroyMetric       = "destroy_metric"
	OpCollectPing         = "collect_ping"
	OpReleaseBuffer       = "release_buffer"
	OpReleaseErrorMessage = "release_error_message"
)
