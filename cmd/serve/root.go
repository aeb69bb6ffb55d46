package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cmdUtil "github.com/tesseradb/tessera/cmd/util"
	"github.com/tesseradb/tessera/lib/cache"
	"github.com/tesseradb/tessera/lib/pubsub"
	"github.com/tesseradb/tessera/rpc/cluster"
	"github.com/tesseradb/tessera/rpc/common"
	"github.com/tesseradb/tessera/rpc/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the tessera server",
		Long:    `Start the tessera server with the specified configuration. The configuration can be set via command line flags, a config file or environment variables. The format of the environment variables is TESSERA_<flag> (e.g. TESSERA_PORT=6565)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path to a config file (yaml, toml or json). The optional cluster block can only be configured here"))

	key = "ip"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0", cmdUtil.WrapString("The address on which the client listener will accept connections"))

	key = "port"
	ServeCmd.PersistentFlags().Int(key, 6565, cmdUtil.WrapString("The port of the client listener"))

	key = "backlog"
	ServeCmd.PersistentFlags().Int(key, 128, cmdUtil.WrapString("The accept backlog of the client listener. Advisory: the effective backlog is managed by the kernel"))

	key = "password"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The shared password clients must present on login"))

	key = "expire-check-interval"
	ServeCmd.PersistentFlags().Uint64(key, 1000, cmdUtil.WrapString("Interval of the background expiry sweep in milliseconds. 0 disables the sweeper; lazy expiry on reads still runs"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags, the
// optional config file and environment variables.
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the optional config file first so flags and env keep precedence
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	serveCmdConfig.IP = viper.GetString("ip")
	serveCmdConfig.Port = viper.GetInt("port")
	serveCmdConfig.Backlog = viper.GetInt("backlog")
	serveCmdConfig.Password = viper.GetString("password")
	serveCmdConfig.ExpireCheckInterval = viper.GetUint64("expire-check-interval")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// the cluster block only exists in the config file
	if viper.IsSet("cluster") {
		clusterConfig := &common.ClusterConfig{}
		if err := viper.UnmarshalKey("cluster", clusterConfig); err != nil {
			return fmt.Errorf("invalid cluster configuration: %w", err)
		}
		serveCmdConfig.Cluster = clusterConfig
	}

	return serveCmdConfig.Validate()
}

// run starts the tessera server
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(*serveCmdConfig); err != nil {
		return err
	}

	events := pubsub.NewService()
	engine := cache.New(&cache.Options{
		ExpireCheckInterval: serveCmdConfig.ExpireInterval(),
		Events:              events,
	})
	defer engine.Close()

	// In cluster mode the client listener is gated on cluster-ready: the
	// mesh is established, a leader is elected and, on a follower, the
	// state snapshot is applied.
	var node *cluster.Node
	var clusterIface server.Cluster
	if serveCmdConfig.Cluster != nil {
		node = cluster.NewNode(serveCmdConfig.Cluster, engine)
		if err := node.Start(); err != nil {
			return err
		}
		defer node.Close()

		<-node.NodeReady()
		<-node.ClusterReady()
		clusterIface = node
	}

	srv := server.New(*serveCmdConfig, engine, events, clusterIface)

	// graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		server.Logger.Infof("received %s, shutting down", sig)
		srv.Close()
	}()

	return srv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tessera")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
