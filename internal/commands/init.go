package commands

import (
	"fmt"

	"github.com/snapvrt/snapvrt/internal/config"
	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/report"
)

// Init creates .snapvrt/config.toml and its .gitignore.
func Init(term *report.Terminal, url string, force bool) error {
	if !force && config.Exists() {
		return errext.New(errext.Config, "%s already exists (use --force to overwrite)", config.Path())
	}
	if err := config.WriteTemplate(url); err != nil {
		return err
	}
	if err := config.WriteGitignore(force); err != nil {
		return err
	}
	verb := "Created"
	if force {
		verb = "Regenerated"
	}
	fmt.Fprintf(term.Out, "%s %s\n", verb, config.Path())
	fmt.Fprintf(term.Out, "  source.storybook.url = %s\n", url)
	return nil
}
