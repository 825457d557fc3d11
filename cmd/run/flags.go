package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/placer-project/placer/cmd/util"
)

const (
	datastoreEngineFlag          = "datastore-engine"
	datastoreURIFlag             = "datastore-uri"
	datastoreUsernameFlag        = "datastore-username"
	datastorePasswordFlag        = "datastore-password"
	datastoreMaxOpenConnsFlag    = "datastore-max-open-conns"
	datastoreMaxIdleConnsFlag    = "datastore-max-idle-conns"
	datastoreConnMaxIdleTimeFlag = "datastore-conn-max-idle-time"
	datastoreConnMaxLifetimeFlag = "datastore-conn-max-lifetime"
	datastoreMetricsFlag         = "datastore-metrics"

	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"

	metricsEnabledFlag = "metrics-enabled"
	metricsAddrFlag    = "metrics-addr"

	incompleteProjectFlag   = "incomplete-project-uuid"
	incompleteUserFlag      = "incomplete-user-uuid"
	incompleteBatchSizeFlag = "incomplete-batch-size"
	incompleteIntervalFlag  = "incomplete-repair-interval"

	maxConflictRetriesFlag = "max-conflict-retries"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper.
func bindRunFlags(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		for _, name := range []string{
			datastoreEngineFlag,
			datastoreURIFlag,
			datastoreUsernameFlag,
			datastorePasswordFlag,
			datastoreMaxOpenConnsFlag,
			datastoreMaxIdleConnsFlag,
			datastoreConnMaxIdleTimeFlag,
			datastoreConnMaxLifetimeFlag,
			datastoreMetricsFlag,
			logFormatFlag,
			logLevelFlag,
			metricsEnabledFlag,
			metricsAddrFlag,
			incompleteProjectFlag,
			incompleteUserFlag,
			incompleteBatchSizeFlag,
			incompleteIntervalFlag,
			maxConflictRetriesFlag,
		} {
			util.MustBindPFlag(name, flags.Lookup(name))
		}
	}
}
