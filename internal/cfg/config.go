package cfg

import (
	"errors"
	"io"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	GithubAppID               int64  `toml:"github_app_id"`
	GithubAppPrivateKeyFile   string `toml:"github_app_private_key_file"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`
	Sync                      Sync   `toml:"sync"`
}

// Sync configures the repository pair that is kept in sync and the commands
// that regenerate the downstream code.
type Sync struct {
	// SourceRepositoryID is the numeric GitHub ID of the source
	// repository, webhook events for other repositories are ignored.
	SourceRepositoryID int64  `toml:"source_repository_id"`
	SourceOwner        string `toml:"source_owner"`
	SourceRepository   string `toml:"source_repository"`

	DownstreamOwner      string `toml:"downstream_owner"`
	DownstreamRepository string `toml:"downstream_repository"`
	// DownstreamCloneURL is the https URL that ephemeral checkouts of the
	// downstream repository are cloned from and pushed to.
	DownstreamCloneURL string `toml:"downstream_clone_url"`

	// BaseBranch is the base branch of source pull requests that trigger
	// syncs, events with another base branch are skipped.
	BaseBranch string `toml:"base_branch" default:"main"`

	// PythonBin is the python interpreter used to create sandboxes.
	PythonBin string `toml:"python_bin" default:"python3"`
	// RequirementsFile is the dependency file of the downstream project,
	// relative to the checkout root.
	RequirementsFile string `toml:"requirements_file" default:"requirements.txt"`
	// GeneratorEntrypoint is the generation script of the downstream
	// project, relative to the checkout root.
	// It is run with the single argument "generate-all".
	GeneratorEntrypoint string `toml:"generator_entrypoint" default:"generator/generator.py"`

	// FilterQuery is an optional jq-query that is evaluated against the
	// raw webhook payload, events for which it does not evaluate to true
	// are skipped.
	FilterQuery string `toml:"filter_query"`

	// Workers is the size of the goroutine pool that runs workflows.
	Workers int `toml:"workers" default:"4"`
}

func Load(reader io.Reader) (*Config, error) {
	result := Config{
		Sync: Sync{
			BaseBranch:          "main",
			PythonBin:           "python3",
			RequirementsFile:    "requirements.txt",
			GeneratorEntrypoint: "generator/generator.py",
			Workers:             4,
		},
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}

// Validate returns an error when a setting that has no usable default is
// missing.
func (r *Config) Validate() error {
	if r.Sync.SourceRepositoryID == 0 {
		return errors.New("sync.source_repository_id is unset")
	}

	if r.Sync.SourceOwner == "" || r.Sync.SourceRepository == "" {
		return errors.New("sync.source_owner and sync.source_repository must be set")
	}

	if r.Sync.DownstreamOwner == "" || r.Sync.DownstreamRepository == "" {
		return errors.New("sync.downstream_owner and sync.downstream_repository must be set")
	}

	if r.Sync.DownstreamCloneURL == "" {
		return errors.New("sync.downstream_clone_url is unset")
	}

	if r.GithubAPIToken == "" && (r.GithubAppID == 0 || r.GithubAppPrivateKeyFile == "") {
		return errors.New("either github_api_token or github_app_id and github_app_private_key_file must be set")
	}

	if r.Sync.Workers <= 0 {
		return errors.New("sync.workers must be >0")
	}

	return nil
}
