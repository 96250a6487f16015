package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/Pavan0228/SnapDeploy/pkg/api/client"
	"github.com/Pavan0228/SnapDeploy/pkg/jwt"
)

const defaultAPIBaseURL = "http://localhost:9000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = commandToken(args)
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandToken signs an operator credential with the control service secret.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier embedded in the token")
	deployment := fs.String("deployment", "", "Restrict the token to one deployment's logs")
	secret := fs.String("secret", "", "JWT secret (supply to avoid prompt)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBaseURL+")")
	printOnly := fs.Bool("print", false, "Print the token instead of saving it")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	}
	if key == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--secret or JWT_SECRET is required")
		}
		fmt.Print("JWT secret: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		key = strings.TrimSpace(string(bytes))
	}

	token, err := jwt.GenerateToken(*user, strings.TrimSpace(*deployment), key, *ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	if *printOnly {
		fmt.Println(token)
		return nil
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("token saved, expires in %s\n", *ttl)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	follow := fs.Bool("follow", false, "Stream build logs until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	dep, err := client.TriggerDeployment(ctx, token, *projectID)
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.DeploymentID != "" {
			return fmt.Errorf("deployment %s failed to start: %s", apiErr.DeploymentID, apiErr.Message)
		}
		return err
	}
	fmt.Printf("deployment triggered: %s status=%s\n", dep.ID, dep.Status)
	if !*follow {
		return nil
	}
	return followLogs(client, token, dep.ID)
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	reconcile := fs.Bool("reconcile", false, "Re-read the worker state before reporting")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var dep apiclient.Deployment
	if *reconcile {
		dep, err = client.ReconcileDeployment(ctx, token, *deploymentID)
	} else {
		dep, err = client.GetDeployment(ctx, token, *deploymentID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.WorkerRef, dep.UpdatedAt.Format(time.RFC3339))
	if dep.Error != "" {
		fmt.Printf("error: %s\n", dep.Error)
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	follow := fs.Bool("follow", false, "Stream new lines until the deployment finishes")
	fs.Parse(args)

	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	if *follow {
		return followLogs(client, token, *deploymentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	events, err := client.FetchLogs(ctx, token, *deploymentID)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	for _, ev := range events {
		p.event(ev)
	}
	return nil
}

// followLogs prints each new line once. Data frames carry the complete history,
// so only the tail past the previous frame is printed.
func followLogs(client *apiclient.Client, token, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(os.Stdout)
	printed := 0
	err := client.StreamLogs(ctx, token, deploymentID, func(f apiclient.StreamFrame) error {
		switch {
		case f.IsHeartbeat():
		case f.Terminal():
			p.final(f.FinalStatus)
		case f.Error != "":
			if !f.Retryable {
				return fmt.Errorf("log stream failed: %s", f.Error)
			}
			fmt.Fprintf(os.Stderr, "log store unavailable, retrying: %s\n", f.Error)
		default:
			if len(f.Logs) < printed {
				printed = 0
			}
			for _, ev := range f.Logs[printed:] {
				p.event(ev)
			}
			printed = len(f.Logs)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type printer struct {
	out   io.Writer
	color bool
}

func newPrinter(out *os.File) printer {
	return printer{out: out, color: term.IsTerminal(int(out.Fd()))}
}

func (p printer) event(ev apiclient.LogEvent) {
	line := fmt.Sprintf("%s  %s", ev.Timestamp.Local().Format("15:04:05"), ev.Log)
	if ev.Status != "" {
		line += " [" + ev.Status + "]"
	}
	fmt.Fprintln(p.out, p.paint(ev.Status, line))
}

func (p printer) final(status string) {
	fmt.Fprintln(p.out, p.paint(status, "deployment "+status))
}

func (p printer) paint(status, text string) string {
	if !p.color {
		return text
	}
	switch status {
	case "completed":
		return "\x1b[32m" + text + "\x1b[0m"
	case "failed":
		return "\x1b[31m" + text + "\x1b[0m"
	}
	return text
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(os.Getenv("SNAPDEPLOY_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(cfg.AccessToken)
	}
	if token == "" {
		return nil, "", errors.New("no credential found; run 'peep token' or set SNAPDEPLOY_TOKEN")
	}
	base := cfg.APIBaseURL
	if env := strings.TrimSpace(os.Getenv("SNAPDEPLOY_API")); env != "" {
		base = env
	}
	client, err := apiclient.New(base)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "snapdeploy", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep token --user <id> [--deployment <deployment-id>] [--secret s] [--ttl 1h] [--api ` + defaultAPIBaseURL + `] [--print]
	peep deploy --project <project-id> [--follow]
	peep status --deployment <deployment-id> [--reconcile]
	peep logs --deployment <deployment-id> [--follow]
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
