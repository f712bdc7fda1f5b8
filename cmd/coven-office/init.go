// ABOUTME: Interactive config file creation for coven-office init
// ABOUTME: Prompts for database and logging settings and writes a starter YAML file

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-office/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-office configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaults := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	db := config.DatabaseConfig{
		Path:   prompt(reader, "SQLite database path", defaults.Database.Path),
		Driver: prompt(reader, "Driver (sqlite/sqlite3)", defaults.Database.Driver),
	}

	fmt.Println("\n--- Logging Configuration ---")
	logging := config.LoggingConfig{
		Level:  prompt(reader, "Log level (debug/info/warn/error)", "info"),
		Format: prompt(reader, "Log format (text/json)", "text"),
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(config.Template(db, logging)), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Reload so a typo in driver or level fails here rather than at serve time
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("validating written config: %w", err)
	}

	dataDir := filepath.Dir(db.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the office:")
	fmt.Printf("  coven-office serve\n")

	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
