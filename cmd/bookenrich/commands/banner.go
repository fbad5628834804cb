package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/version"
)

// printStartupBanner prints the user-facing startup summary
func printStartupBanner(verbosity, port int, dbPath string, chain []string, signedTokens bool) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println("bookenrich")

	authMode := "opaque bearer tokens"
	if signedTokens {
		authMode = "signed JWT"
	}

	data := pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Built", info.BuildTime},
		{"Listening", fmt.Sprintf("http://localhost:%d", port)},
		{"Database", dbPath},
		{"Providers", strings.Join(chain, " → ")},
		{"Auth", authMode},
		{"Verbosity", logger.LevelName(verbosity)},
	}
	_ = pterm.DefaultTable.WithData(data).Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
