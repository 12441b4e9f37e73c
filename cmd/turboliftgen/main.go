// Command turboliftgen is turbolift's pre-build code generation tool: it
// reads a registry file naming the functions marked for distribution and
// writes one dispatch stub plus embedded bundle per entry, the Go-native
// stand-in for spec.md §9's "build-time metaprogramming" design note.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "turboliftgen",
		Short:         "Generate turbolift dispatch stubs for registered functions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newGenerateCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		registryPath string
		callerRoot   string
		format       bool
		check        bool
		prebuild     bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Extract, synthesize, pack, and write dispatch stubs for every registry target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Generate(GenerateOptions{
				RegistryPath: registryPath,
				CallerRoot:   callerRoot,
				Format:       format,
				Check:        check,
				Prebuild:     prebuild,
			})
		},
	}

	cmd.Flags().StringVar(&registryPath, "registry", "turbolift.yaml", "path to the function registry file")
	cmd.Flags().StringVar(&callerRoot, "caller-root", ".", "root directory of the project declaring the distributed functions")
	cmd.Flags().BoolVar(&format, "fmt", true, "run gofmt over each derived project")
	cmd.Flags().BoolVar(&check, "vet", false, "run go vet over each derived project (fatal on failure)")
	cmd.Flags().BoolVar(&prebuild, "prebuild", false, "pre-build each derived project with go build")

	return cmd
}
