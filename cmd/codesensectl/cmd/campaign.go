package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/notify"
)

// campaignCmd represents the campaign command
var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaign records",
	Long:  `List campaigns, correct their counters and follow status changes.`,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		list, err := newAPIClient().Campaigns(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list campaigns: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No campaigns found")
			return nil
		}
		printCampaigns(out, list)
		return nil
	},
}

func printCampaigns(out io.Writer, list []campaign.Campaign) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSENT\tFAILED\tRECIPIENTS\tSUBJECT\tCREATED")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			c.ID, c.Status, c.Sent, c.Failed, c.Recipients, c.Subject, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

var campaignUpdateCmd = &cobra.Command{
	Use:   "update [campaign-id]",
	Short: "Correct a campaign's counters or status",
	Long: `Patch a campaign record. Only the flags given are changed.

Example:
  codesensectl campaign update 42 --sent 118 --failed 2 --status success`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, err := newAPIClient().UpdateCampaign(ctx, args[0], p)
		if err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, c)
		}
		fmt.Fprintf(out, "Updated campaign %s: status=%s sent=%d failed=%d\n", c.ID, c.Status, c.Sent, c.Failed)
		return nil
	},
}

// patchFromFlags builds a patch from the flags the user actually set.
func patchFromFlags(cmd *cobra.Command) (campaign.Patch, error) {
	var p campaign.Patch
	flags := cmd.Flags()
	if flags.Changed("sent") {
		n, err := flags.GetInt("sent")
		if err != nil {
			return p, err
		}
		p.Sent = &n
	}
	if flags.Changed("failed") {
		n, err := flags.GetInt("failed")
		if err != nil {
			return p, err
		}
		p.Failed = &n
	}
	if flags.Changed("status") {
		s, err := flags.GetString("status")
		if err != nil {
			return p, err
		}
		st := campaign.Status(s)
		p.Status = &st
	}
	return p, nil
}

var campaignEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow campaign status events from nsqd",
	Long: `Subscribe to the campaign topic and print each event until interrupted.

Example:
  codesensectl campaign events --nsqd localhost:4150`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nsqd, _ := cmd.Flags().GetString("nsqd")
		topic, _ := cmd.Flags().GetString("topic")
		channel, _ := cmd.Flags().GetString("channel")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		return notify.Listen(ctx, nsqd, topic, channel, func(_ context.Context, e notify.Event) error {
			return printEvent(out, e)
		})
	},
}

func printEvent(out io.Writer, e notify.Event) error {
	if outputJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintf(out, "%s %-24s campaign=%s task=%s status=%s sent=%d failed=%d\n",
		e.At, e.Type, e.CampaignID, e.TaskID, e.Status, e.Sent, e.Failed)
	return err
}

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(campaignListCmd)
	campaignCmd.AddCommand(campaignUpdateCmd)
	campaignCmd.AddCommand(campaignEventsCmd)

	campaignListCmd.Flags().Int("limit", campaign.DefaultListLimit, "maximum campaigns to list (1-100)")

	campaignUpdateCmd.Flags().Int("sent", 0, "number of e-mails sent")
	campaignUpdateCmd.Flags().Int("failed", 0, "number of e-mails that failed")
	campaignUpdateCmd.Flags().String("status", "", "queued, processing, success or failed")

	campaignEventsCmd.Flags().String("nsqd", "localhost:4150", "nsqd TCP address")
	campaignEventsCmd.Flags().String("topic", notify.DefaultTopic, "campaign topic")
	campaignEventsCmd.Flags().String("channel", "codesensectl#ephemeral", "consumer channel")
}
