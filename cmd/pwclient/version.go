package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/pwclient/proxy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func versionDetails() map[string]string {
	return map[string]string{
		"version":     version,
		"go":          runtime.Version(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"sdkLanguage": proxy.SDKLanguage,
	}
}

func getVersionCmd(gs *globalState) *cobra.Command {
	var isJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isJSON {
				fprintf(gs.stdout, "pwclient %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
				return nil
			}
			details, err := json.Marshal(versionDetails())
			if err != nil {
				return fmt.Errorf("failed to produce the JSON version details: %w", err)
			}
			fprintf(gs.stdout, "%s\n", details)
			return nil
		},
	}
	cmd.Flags().BoolVar(&isJSON, "json", false, "print version details in JSON format")
	return cmd
}
