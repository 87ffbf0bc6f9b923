package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/killallgit/somleng/internal/models"
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project"},
	Short:   "Manage transcription projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your projects, newest first",
	Args:  cobra.NoArgs,
	RunE:  withApp(runProjectsList),
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a draft project",
	Long: `Create a draft project. Each user may own at most three projects;
the limit is checked before anything is sent to the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runProjectsCreate),
}

var projectsRenameCmd = &cobra.Command{
	Use:   "rename <project-id> <name>",
	Short: "Rename a project",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runProjectsRename),
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runProjectsDelete),
}

var projectsShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a project and its audio files",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runProjectsShow),
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd, projectsCreateCmd, projectsRenameCmd, projectsDeleteCmd, projectsShowCmd)

	projectsCreateCmd.Flags().StringP("description", "d", "", "project description")
	projectsRenameCmd.Flags().StringP("description", "d", "", "also replace the description")
}

func runProjectsList(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	projects, err := a.store.LoadProjects(ctx)
	if err != nil {
		return err
	}
	return p.Projects(projects)
}

func runProjectsCreate(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	// the ownership limit is checked against the loaded list
	if _, err := a.store.LoadProjects(ctx); err != nil {
		return err
	}
	description, _ := cmd.Flags().GetString("description")
	project, err := a.store.CreateProject(ctx, args[0], description)
	if err != nil {
		return err
	}
	return p.Message(project, "Created project %s (%s)", project.Name, project.ID)
}

func runProjectsRename(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	patch := models.ProjectPatch{Name: &args[1]}
	if cmd.Flags().Changed("description") {
		description, _ := cmd.Flags().GetString("description")
		patch.Description = &description
	}
	project, err := a.store.UpdateProject(ctx, args[0], patch)
	if err != nil {
		return err
	}
	return p.Message(project, "Renamed project %s to %s", project.ID, project.Name)
}

func runProjectsDelete(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if err := a.store.DeleteProject(ctx, args[0]); err != nil {
		return err
	}
	return p.Message(map[string]string{"deleted": args[0]}, "Deleted project %s", args[0])
}

func runProjectsShow(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	project, err := a.store.OpenProject(ctx, args[0])
	if err != nil {
		return err
	}
	return p.Project(*project, a.store.AudioFiles(project.ID))
}
