package cmd

import (
	"fmt"
	"strings"

	"github.com/DominicWuest/perfscepter/internal/backend/docker"
	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var cleanupContainers bool
var cleanupAgree bool

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean all docker artifacts created by perfscepter",
	Long: `This command cleans all docker artifacts created by perfscepter.
This includes task containers, both running and stopped, as well as all built images.
Running jobs whose containers are removed see their tasks fail as lost and retry them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd.ErrOrStderr())
		ctx := cmd.Context()

		cli, err := docker.NewClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		labelFilter := filters.NewArgs(filters.KeyValuePair{Key: "label", Value: docker.Label + "=1"})

		containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilter})
		if err != nil {
			return errors.Wrap(err, "couldn't list docker containers")
		}

		var images []image.Summary
		if !cleanupContainers {
			if images, err = cli.ImageList(ctx, image.ListOptions{All: true, Filters: labelFilter}); err != nil {
				return errors.Wrap(err, "couldn't list docker images")
			}
		}

		if len(containers)+len(images) == 0 {
			imageString := " or images"
			if cleanupContainers {
				imageString = ""
			}
			fmt.Fprintf(cmd.OutOrStdout(), "No containers%s to remove.\n", imageString)
			return nil
		}

		confirmationMessage := fmt.Sprintf("About to delete %d containers", len(containers))
		if !cleanupContainers {
			confirmationMessage += fmt.Sprintf(" and %d images", len(images))
		}
		fmt.Fprintln(cmd.OutOrStdout(), confirmationMessage+".")

		if !cleanupAgree {
			prompt := promptui.Prompt{
				Label:     "Proceed",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				log.Info("Exiting...")
				return nil
			}
		}

		for _, c := range containers {
			log.Infof("Deleting container %s (ID: %s)", strings.TrimPrefix(c.Names[0], "/"), c.ID)
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				return errors.Wrapf(err, "failed to remove container with ID %s", c.ID)
			}
		}

		for _, i := range images {
			name := i.ID
			if len(i.RepoTags) > 0 {
				name = i.RepoTags[0]
			}
			log.Infof("Deleting image %s (ID: %s)", name, i.ID)
			if _, err := cli.ImageRemove(ctx, i.ID, image.RemoveOptions{
				PruneChildren: true,
				Force:         true,
			}); err != nil {
				return errors.Wrapf(err, "failed to remove image with ID %s", i.ID)
			}
		}

		log.Info("Done cleaning up.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().BoolVarP(&cleanupContainers, "containers", "C", false, "Only delete containers, no images.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
