package ecosystem

import (
	"fmt"
	"sort"

	"github.com/joho/godotenv"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
)

// ResolveEnvironment computes the environment overlay for an app, applied on
// top of the keeper's own environment at spawn time. Precedence, lowest
// first: env_file, env, envs[profile]. Selecting a profile also exports
// ENV=<profile> so the child can tell which deployment it runs in.
func ResolveEnvironment(app *AppConfig, profile string) ([]string, error) {
	merged := make(map[string]string)

	if app.EnvFile != "" {
		fileEnv, err := godotenv.Read(app.EnvFile)
		if err != nil {
			return nil, errors.NewIOError("failed to read env file", err).WithContext("app", app.Name).WithContext("env_file", app.EnvFile)
		}
		for key, value := range fileEnv {
			merged[key] = value
		}
	}

	for key, value := range app.Env {
		merged[key] = value
	}

	if profile != "" {
		profileEnv, ok := app.Envs[profile]
		if !ok {
			return nil, errors.NewNotFoundError("unknown environment profile", nil).WithContext("app", app.Name).WithContext("profile", profile)
		}
		for key, value := range profileEnv {
			merged[key] = value
		}
		if _, set := profileEnv["ENV"]; !set {
			merged["ENV"] = profile
		}
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	environment := make([]string, 0, len(keys))
	for _, key := range keys {
		environment = append(environment, fmt.Sprintf("%s=%s", key, merged[key]))
	}
	return environment, nil
}
