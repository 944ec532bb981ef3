package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papertutor/papertutor/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root             string
	Environment      string
	HTTPAddress      string
	DatabaseDSN      string
	LedgerPath       string
	IdentityPath     string
	ArtifactPath     string
	QuestionImageDir string
	ExplanationCost  int64
	SignupBonus      int64
	Force            bool
}

// Init scaffolds configuration files for papertutord and the CLI.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	envPath := filepath.Join(opts.Root, "config", opts.Environment, "papertutor.ini")
	if err := writeFile(envPath, envTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8090"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.IdentityPath) == "" {
		opts.IdentityPath = config.DefaultIdentityPath()
	}
	if strings.TrimSpace(opts.ArtifactPath) == "" {
		opts.ArtifactPath = config.DefaultArtifactPath()
	}
	if strings.TrimSpace(opts.QuestionImageDir) == "" {
		opts.QuestionImageDir = "questions"
	}
	if opts.ExplanationCost == 0 {
		opts.ExplanationCost = 10
	}
	if opts.SignupBonus == 0 {
		opts.SignupBonus = 50
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# papertutor settings
environment=%s
log_level=info
explanation_cost=%d
signup_bonus_credits=%d
`, opts.Environment, opts.ExplanationCost, opts.SignupBonus)
}

func envTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
# Dash '-' disables file output.
log_file=logs/papertutord.log
# Set database_dsn to run every store on PostgreSQL instead of SQLite.
database_dsn=%s
ledger_path=%s
identity_path=%s
artifact_path=%s
question_image_dir=%s
consent_window=720h
# Leave openai_api_key empty to use the loopback producer.
openai_api_key=
stripe_secret_key=
stripe_webhook_secret=
checkout_success_url=
checkout_cancel_url=
`, opts.Environment, opts.HTTPAddress, opts.DatabaseDSN, opts.LedgerPath, opts.IdentityPath, opts.ArtifactPath, opts.QuestionImageDir)
}

// Validate ensures required fields are coherent without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if strings.ContainsAny(opts.Environment, `/\`) {
		return errors.New("environment must not contain path separators")
	}
	if opts.ExplanationCost < 0 || opts.SignupBonus < 0 {
		return errors.New("credit amounts must not be negative")
	}
	if dsn := strings.TrimSpace(opts.DatabaseDSN); dsn != "" && !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return errors.New("database_dsn must be a postgres:// url")
	}
	return nil
}
