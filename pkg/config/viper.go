package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Runtime holds the CLI-level settings (spec.md §6's flags), layered flag
// > environment > default via viper over the same cmd the CLI builds its
// flags on. It is distinct from File: Runtime governs how the process
// runs, File governs what it reconciles.
type Runtime struct {
	Verbose bool
	DB      string
	Log     string
}

// BindFlags registers spec.md §6's CLI flags on cmd and layers viper over
// them: RECONCILER_-prefixed environment variables override flag
// defaults, explicit flags override environment variables.
func BindFlags(cmd *cobra.Command) *viper.Viper {
	flags := cmd.Flags()
	flags.BoolP("verbose", "v", false, "enable verbose logging")
	flags.StringP("db", "d", "", "database connection string")
	flags.StringP("log", "l", "stderr", "log destination: stderr, stdout, or none")

	v := viper.New()
	v.SetEnvPrefix("RECONCILER")
	v.AutomaticEnv()
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("db", flags.Lookup("db"))
	_ = v.BindPFlag("log", flags.Lookup("log"))
	return v
}

// RuntimeFrom reads the layered flag/env values v resolved into a Runtime.
func RuntimeFrom(v *viper.Viper) Runtime {
	return Runtime{
		Verbose: v.GetBool("verbose"),
		DB:      v.GetString("db"),
		Log:     v.GetString("log"),
	}
}
