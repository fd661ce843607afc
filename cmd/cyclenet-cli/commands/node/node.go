package node

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skycoin/cyclenet/cmd/cyclenet-cli/internal"
)

var remember bool

func init() {
	acceptCmd.Flags().BoolVar(&remember, "remember", false, "apply the decision to later candidates from the same host")
	rejectCmd.Flags().BoolVar(&remember, "remember", false, "apply the decision to later candidates from the same host")

	RootCmd.AddCommand(
		summaryCmd,
		peersCmd,
		pendingCmd,
		acceptCmd,
		rejectCmd,
		payloadCmd,
		leaveCmd,
	)
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summary of the node and its role",
	Run: func(_ *cobra.Command, _ []string) {
		summary, err := rpcClient().Summary()
		internal.Catch(err)

		raw, err := json.MarshalIndent(summary, "", "  ")
		internal.Catch(err)
		fmt.Println(string(raw))
	},
}

var peersCmd = &cobra.Command{
	Use:   "ls-peers",
	Short: "Lists the peers of a master",
	Run: func(_ *cobra.Command, _ []string) {
		peers, err := rpcClient().Peers()
		internal.Catch(err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "id\tstate\tfollows\tjoin_at\tremote\tversion")
		internal.Catch(err)
		for _, p := range peers {
			_, err = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", p.ID, internal.ColorizeState(p.State.String()), p.Follow, p.JoinAt, p.Remote, p.Version)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var pendingCmd = &cobra.Command{
	Use:   "ls-pending",
	Short: "Lists the candidates waiting for admission",
	Run: func(_ *cobra.Command, _ []string) {
		pending, err := rpcClient().Pending()
		internal.Catch(err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "id\tremote\tversion")
		internal.Catch(err)
		for _, c := range pending {
			_, err = fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Remote, c.Version)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Admits a pending candidate",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		internal.Catch(rpcClient().Accept(internal.ParseNodeID("id", args[0]), remember))
		fmt.Println("OK")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Turns a pending candidate away",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		internal.Catch(rpcClient().Reject(internal.ParseNodeID("id", args[0]), remember))
		fmt.Println("OK")
	},
}

var payloadCmd = &cobra.Command{
	Use:   "send-payload <data>",
	Short: "Sends application data over the configuration channels",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		internal.Catch(rpcClient().SendPayload([]byte(args[0])))
		fmt.Println("OK")
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Makes the node leave its group after the current cycle",
	Run: func(_ *cobra.Command, _ []string) {
		internal.Catch(rpcClient().Stop())
		fmt.Println("OK")
	},
}
