package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/poller"
	"github.com/codesense/codesense/internal/templates"
)

// emailCmd represents the email command
var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Submit bulk e-mail tasks",
	Long:  `Queue bulk e-mails for selected users or for everyone, and browse the template catalog.`,
}

// message is the subject and body shared by bulk and all.
type message struct {
	Subject string
	HTML    string
	Data    map[string]any
}

// messageFromFlags resolves --template, --template-file, --subject and --data.
// An explicit --subject wins over the catalog template's subject.
func messageFromFlags(cmd *cobra.Command) (message, error) {
	flags := cmd.Flags()
	subject, _ := flags.GetString("subject")
	file, _ := flags.GetString("template-file")
	id, _ := flags.GetString("template")
	data, _ := flags.GetStringToString("data")

	var m message
	switch {
	case file != "" && id != "":
		return m, errors.New("use either --template or --template-file, not both")
	case file != "":
		html, err := os.ReadFile(file)
		if err != nil {
			return m, fmt.Errorf("read template file: %w", err)
		}
		m.HTML = string(html)
	case id != "":
		catalog, err := templates.Default()
		if err != nil {
			return m, err
		}
		t, err := catalog.Get(id)
		if err != nil {
			return m, err
		}
		m.HTML = t.HTML
		m.Subject = t.Subject
	}
	if subject != "" {
		m.Subject = subject
	}
	if len(data) > 0 {
		m.Data = make(map[string]any, len(data))
		for k, v := range data {
			m.Data[k] = v
		}
	}
	return m, nil
}

var emailBulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Send an e-mail to selected users",
	Long: `Queue one bulk e-mail task for the given user ids.

Example:
  codesensectl email bulk --user-id 1 --user-id 2 --template announcement --data title=Hello --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringSlice("user-id")
		m, err := messageFromFlags(cmd)
		if err != nil {
			return err
		}
		req := campaign.BulkRequest{UserIDs: ids, Subject: m.Subject, HTMLTemplate: m.HTML, TemplateData: m.Data}
		if err := req.Validate(); err != nil {
			return err
		}

		c := newAPIClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		res, err := c.SubmitBulk(ctx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to submit bulk e-mail: %w", err)
		}
		return afterSubmit(cmd, c, res)
	},
}

var emailAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Send an e-mail to every user",
	Long: `Queue one bulk e-mail task for every user, optionally filtered by role.

Example:
  codesensectl email all --template maintenance --role-filter user`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role-filter")
		m, err := messageFromFlags(cmd)
		if err != nil {
			return err
		}
		req := campaign.AllRequest{Subject: m.Subject, HTMLTemplate: m.HTML, TemplateData: m.Data, RoleFilter: role}
		if err := req.Validate(); err != nil {
			return err
		}

		c := newAPIClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		res, err := c.SubmitAll(ctx, req)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to submit e-mail to all users: %w", err)
		}
		return afterSubmit(cmd, c, res)
	},
}

func afterSubmit(cmd *cobra.Command, c *apiClient, res submitResponse) error {
	out := cmd.OutOrStdout()
	if outputJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printSubmitted(out, res)
	}

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchTask(ctx, out, c, res.TaskID, poller.DefaultInterval, poller.DefaultMaxPolls)
}

func printSubmitted(out io.Writer, res submitResponse) {
	fmt.Fprintln(out, res.Message)
	fmt.Fprintf(out, "  Task ID:     %s\n", res.TaskID)
	fmt.Fprintf(out, "  Campaign ID: %s\n", res.CampaignID)
	fmt.Fprintf(out, "  Recipients:  %d\n", res.Recipients)
}

var emailTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the server's e-mail templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		list, err := newAPIClient().Templates(ctx)
		if err != nil {
			return fmt.Errorf("failed to list templates: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, list)
		}
		for _, t := range list {
			fmt.Fprintf(out, "%s\n  Name:      %s\n  Subject:   %s\n  Variables: %v\n", t.ID, t.Name, t.Subject, t.Variables)
		}
		return nil
	},
}

func addMessageFlags(cmd *cobra.Command) {
	cmd.Flags().String("subject", "", "e-mail subject")
	cmd.Flags().String("template", "", "catalog template id")
	cmd.Flags().String("template-file", "", "path to an HTML template")
	cmd.Flags().StringToString("data", nil, "template variables (key=value)")
	cmd.Flags().Bool("watch", false, "poll the task until it finishes")
}

func init() {
	rootCmd.AddCommand(emailCmd)
	emailCmd.AddCommand(emailBulkCmd)
	emailCmd.AddCommand(emailAllCmd)
	emailCmd.AddCommand(emailTemplatesCmd)

	addMessageFlags(emailBulkCmd)
	emailBulkCmd.Flags().StringSlice("user-id", nil, "recipient user id (repeatable)")

	addMessageFlags(emailAllCmd)
	emailAllCmd.Flags().String("role-filter", "all", "all, user or admin")
}
