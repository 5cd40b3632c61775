package logger

// Component names tag every logger obtained from For, mirroring the
// per-subsystem component constants used throughout the rest of this
// codebase's services.
const (
	ComponentCore           = "core"
	ComponentService        = "service"
	ComponentCLI            = "cli"
	ComponentIngest         = "ingest"
	ComponentSparkplug      = "sparkplug"
	ComponentAliasCache     = "alias_cache"
	ComponentIdentity       = "identity"
	ComponentPlanner        = "planner"
	ComponentRepository     = "repository"
	ComponentMigrations     = "migrations"
	ComponentCDC            = "cdc"
	ComponentDebounce       = "debounce"
	ComponentEgressMapper   = "egress_mapper"
	ComponentSession        = "session"
	ComponentDatasetResolver = "dataset_resolver"
	ComponentEgressClient   = "egress_client"
	ComponentDLQ            = "dlq"
	ComponentMetrics        = "metrics"
)
