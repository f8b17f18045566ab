package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// ConfigCheckResult holds the result of environment validation
type ConfigCheckResult struct {
	Missing []string          // Required variables that are missing
	Present map[string]string // Variables that are set (masked values)
}

// requiredVars are the variables the original .env deployments must set.
var requiredVars = []string{
	"DATABASE_URL",
	"PAGE_ID",
	"SYSTEM_USER_TOKEN",
	"ENGINE_API_KEY",
}

// optionalVars are checked and reported but not required.
var optionalVars = []string{
	"IG_USERNAME",
	"IG_PASSWORD",
	"WEBHOOK_CHALLENGE",
	"HOST",
	"PORT",
}

// EnvCommand returns the CLI command that checks the environment.
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Check that required environment variables are set",
		Action: func(c *cli.Context) error {
			result := CheckRequiredConfig()
			PrintConfigCheck(result)
			if len(result.Missing) > 0 {
				return fmt.Errorf("%d required variables missing", len(result.Missing))
			}
			return nil
		},
	}
}

// CheckRequiredConfig validates that required environment variables are set
func CheckRequiredConfig() *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing: []string{},
		Present: make(map[string]string),
	}

	for _, v := range requiredVars {
		val := os.Getenv(v)
		if val == "" {
			result.Missing = append(result.Missing, v)
		} else {
			result.Present[v] = maskSecret(val)
		}
	}

	for _, v := range optionalVars {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = maskSecret(val)
		}
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Environment Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("Missing required variables:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("Configured variables:")
		for k, v := range result.Present {
			fmt.Printf("   - %s = %s\n", k, v)
		}
		fmt.Println("")
	}

	if len(result.Missing) == 0 {
		fmt.Println("All required configuration is present")
	}
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
