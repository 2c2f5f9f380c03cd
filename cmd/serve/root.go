package serve

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/relog-db/relog/cmd/util"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.NodeConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a relog replication node",
		Long:    `Start a relog replication node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is RELOG_<flag> (e.g. RELOG_NODE_NAME=node-1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "node-name"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Unique name of this node within the replication group (e.g. 'node-1')"))

	key = "node-type"
	ServeCmd.PersistentFlags().String(key, "replica", cmdUtil.WrapString("Role this node plays when it is not the master: 'replica' (holds data) or 'arbiter' (votes only)"))

	key = "group-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated replication stream addresses of all group members in the format 'node-1=localhost:7001,node-2=localhost:7002,...'"))

	key = "election-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated election (acceptor) addresses of all group members in the format 'node-1=localhost:8001,node-2=localhost:8002,...'"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory holding the segment files of the commit log"))

	key = "records-per-file"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("Number of records per commit log segment file"))

	key = "queue-size"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("Capacity of the replay request queue between the stream reader and the replay loop"))

	key = "group-commit-limit"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Maximum number of commits made durable by a single fsync"))

	key = "fsync-interval"
	ServeCmd.PersistentFlags().Int64(key, 1000, cmdUtil.WrapString("Maximum time in milliseconds a replayed commit may stay unflushed"))

	key = "heartbeat-interval"
	ServeCmd.PersistentFlags().Int64(key, 1000, cmdUtil.WrapString("Interval in milliseconds between feeder heartbeats on an idle stream"))

	key = "stream-timeout"
	ServeCmd.PersistentFlags().Int64(key, 7000, cmdUtil.WrapString("Steady-state read timeout of the replication stream in milliseconds"))

	key = "network-retries"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Reconnect budget for network-level stream failures"))

	key = "service-retries"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Reconnect budget while no joinable master is known"))

	key = "election-retries"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Number of proposal rounds per election attempt"))

	key = "election-round-timeout"
	ServeCmd.PersistentFlags().Int64(key, 2000, cmdUtil.WrapString("Timeout in milliseconds for a single election phase"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the node configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.NodeName = viper.GetString("node-name")
	if serveCmdConfig.NodeName == "" {
		return fmt.Errorf("node-name is required")
	}

	switch strings.ToLower(viper.GetString("node-type")) {
	case "replica":
		serveCmdConfig.NodeType = common.NodeTypeReplica
	case "arbiter":
		serveCmdConfig.NodeType = common.NodeTypeArbiter
	default:
		return fmt.Errorf("invalid node type: %s (expected replica or arbiter)", viper.GetString("node-type"))
	}

	var err error
	if serveCmdConfig.GroupMembers, err = cmdUtil.ParseMembers(viper.GetString("group-members")); err != nil {
		return err
	}
	if serveCmdConfig.ElectionMembers, err = cmdUtil.ParseMembers(viper.GetString("election-members")); err != nil {
		return err
	}
	if len(serveCmdConfig.GroupMembers) == 0 {
		return fmt.Errorf("group-members is required")
	}
	if _, ok := serveCmdConfig.GroupMembers[serveCmdConfig.NodeName]; !ok {
		return fmt.Errorf("no stream address for node %q in group members", serveCmdConfig.NodeName)
	}
	if _, ok := serveCmdConfig.ElectionMembers[serveCmdConfig.NodeName]; !ok {
		return fmt.Errorf("no election address for node %q in election members", serveCmdConfig.NodeName)
	}

	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.RecordsPerFile = viper.GetInt("records-per-file")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	serveCmdConfig.Stream = common.DefaultStreamConfig()
	serveCmdConfig.Stream.RequestQueueSize = viper.GetInt("queue-size")
	serveCmdConfig.Stream.GroupCommitLimit = viper.GetInt("group-commit-limit")
	serveCmdConfig.Stream.FsyncIntervalMs = viper.GetInt64("fsync-interval")
	serveCmdConfig.Stream.HeartbeatIntervalMs = viper.GetInt64("heartbeat-interval")
	serveCmdConfig.Stream.StreamTimeoutMs = viper.GetInt64("stream-timeout")

	serveCmdConfig.Retry = common.DefaultRetryConfig()
	serveCmdConfig.Retry.NetworkRetries = viper.GetInt("network-retries")
	serveCmdConfig.Retry.ServiceRetries = viper.GetInt("service-retries")

	serveCmdConfig.Election = common.DefaultElectionConfig()
	serveCmdConfig.Election.RetryLimit = viper.GetInt("election-retries")
	serveCmdConfig.Election.RoundTimeoutMs = viper.GetInt64("election-round-timeout")

	return nil
}

// run starts the replication node
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(serveCmdConfig)

	ser, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	n, err := node.New(serveCmdConfig, ser)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
