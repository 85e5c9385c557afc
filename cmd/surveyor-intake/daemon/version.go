package daemon

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/surveyor/intake/internal/common/constants"
)

func (a *App) installVersion() {
	a.cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: fmt.Sprintf("Print the %s version and exit", constants.IntakeServiceCmdName),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.IntakeServiceCmdName, constants.Version)
			return err
		},
	})
}
