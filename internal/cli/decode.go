package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tevanoff/courier/internal/config"
	"github.com/tevanoff/courier/internal/projects"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [encoded-name]",
	Short: "Decode an engine project directory name",
	Long: `Decode an engine project directory name back into the working
directory it encodes. The engine replaces path separators with hyphens,
so "-home-alice-my-app" decodes to /home/alice/my-app. Decoding is
best-effort when intermediate directories no longer exist.

With --session, instead locate the transcript file for a session id
under the projects root (--projects-dir, the config's projects_dir, or
~/.claude/projects).`,
	// Encoded names start with a hyphen, which the flag parser would
	// reject as an unknown flag. Arguments are parsed by hand.
	DisableFlagParsing: true,
	RunE:               runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var sessionID, projectsDir, configPath, encoded string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--help" || arg == "-h":
			return cmd.Help()
		case arg == "--":
			continue
		case arg == "--session" || strings.HasPrefix(arg, "--session="):
			value, err := flagValue(args, &i, "--session")
			if err != nil {
				return err
			}
			sessionID = value
		case arg == "--projects-dir" || strings.HasPrefix(arg, "--projects-dir="):
			value, err := flagValue(args, &i, "--projects-dir")
			if err != nil {
				return err
			}
			projectsDir = value
		case arg == "--config" || arg == "-c" || strings.HasPrefix(arg, "--config="):
			value, err := flagValue(args, &i, "--config")
			if err != nil {
				return err
			}
			configPath = value
		default:
			if encoded != "" {
				return fmt.Errorf("unexpected argument %q", arg)
			}
			encoded = arg
		}
	}

	if sessionID != "" {
		if projectsDir == "" {
			projectsDir = projectsDirFromConfig(configPath)
		}
		resolver := projects.NewResolver(projectsDir)
		path, err := resolver.FindTranscript(sessionID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
		return nil
	}

	if encoded == "" {
		return fmt.Errorf("an encoded name or --session is required")
	}

	fmt.Fprintln(out, projects.DecodePath(encoded))
	return nil
}

// flagValue reads a "--flag value" or "--flag=value" argument, advancing
// i past a consumed value.
func flagValue(args []string, i *int, name string) (string, error) {
	if rest := strings.TrimPrefix(args[*i], name+"="); rest != args[*i] {
		return rest, nil
	}
	if *i+1 >= len(args) {
		return "", fmt.Errorf("flag %s needs a value", name)
	}
	*i++
	return args[*i], nil
}

// projectsDirFromConfig reads projects_dir from an explicit or nearby
// config file. Decode works without a config, so any lookup failure
// falls back to the engine default.
func projectsDirFromConfig(configPath string) string {
	path := configPath
	if path == "" {
		path, _ = findConfigInTree()
	}
	if path == "" {
		return ""
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return ""
	}
	return cfg.ProjectsDir
}
