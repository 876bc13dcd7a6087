package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/service"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the admin set",
}

var adminAddCmd = &cobra.Command{
	Use:     "add <principal>",
	Short:   "Make a principal an admin",
	Example: `  sandboxd admin add alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAdminAdd,
}

var adminListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List admins",
	Example: `  sandboxd admin list`,
	RunE:    runAdminList,
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminAddCmd)
	adminCmd.AddCommand(adminListCmd)
}

func runAdminAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	principal := model.Principal(args[0])
	added, err := a.plane.Admins.AddAdmin(ctx, service.Caller{Principal: "cli", Source: service.SourceCLI}, principal)
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now an admin\n", principal)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was already an admin\n", principal)
	}
	return nil
}

func runAdminList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	admins, err := a.plane.Admins.List(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(admins))
	for _, rec := range admins {
		rows = append(rows, []string{string(rec.Principal), string(rec.AddedBy), formatTime(&rec.CreatedAt)})
	}
	writeTable(cmd.OutOrStdout(), []string{"Principal", "Added By", "Created At"}, rows)
	return nil
}
