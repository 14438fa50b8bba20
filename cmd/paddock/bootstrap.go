package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/odvcencio/paddock/pkg/config"
	"github.com/odvcencio/paddock/pkg/storage"
)

// runFirstRunBootstrap interactively creates the administrator account and
// confirms the serving ports. It runs once, when the database holds no admin.
func runFirstRunBootstrap(cfg *config.Config, store *storage.Store) error {
	fmt.Println("First run: no administrator account found.")
	fmt.Println("Let's set one up.")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	username, err := promptLine(reader, "Admin username: ")
	if err != nil {
		return err
	}
	if username == "" {
		return fmt.Errorf("admin username cannot be empty")
	}

	password, err := promptPassword(reader, "Admin password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("admin password cannot be empty")
	}
	confirm, err := promptPassword(reader, "Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	port, err := promptInt(reader, fmt.Sprintf("API port [%d]: ", cfg.Port), cfg.Port)
	if err != nil {
		return err
	}
	adminPort, err := promptInt(reader, fmt.Sprintf("Admin port [%d]: ", cfg.AdminPort), cfg.AdminPort)
	if err != nil {
		return err
	}

	cfg.Port = port
	cfg.AdminPort = adminPort
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	if err := store.CreateAdmin(username, password); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("✓ Administrator %q created. Admin API on port %d, chat API on port %d.\n",
		username, adminPort, port)
	return nil
}

func promptLine(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo when stdin is a terminal, falling back to
// a plain line read when it is not (tests, pipes).
func promptPassword(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptInt(reader *bufio.Reader, prompt string, def int) (int, error) {
	raw, err := promptLine(reader, prompt)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return v, nil
}
