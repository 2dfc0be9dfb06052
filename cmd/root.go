////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/pitside/client/chat"
	"gitlab.com/pitside/client/chat/storage"
	"gitlab.com/pitside/client/knowledge"
	"gitlab.com/pitside/client/realtime"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands. It
// runs a local loopback session: messages are sent through an in-process
// backend and bus, exercising the same coordination paths a live gateway
// does.
var rootCmd = &cobra.Command{
	Use:   "pitside-client",
	Short: "Runs a client session against the Pitside community platform",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))

		profile := chat.UserProfile{
			UserID:         chat.UserID(viper.GetString("userID")),
			DisplayName:    viper.GetString("username"),
			CanPinMessages: viper.GetBool("curator"),
		}
		communityID := chat.CommunityID(viper.GetString("community"))
		channelID := chat.ChannelID(viper.GetString("channel"))

		session := viper.GetString("session")
		kv, archive, library := openSession(session)

		bus := realtime.NewBus()
		defer bus.Close()
		backend := newLoopbackBackend(bus)

		m, err := chat.NewManager(chat.Params{
			Profile:     profile,
			CommunityID: communityID,
			Backend:     backend,
			Transport:   bus,
			Archiver:    archive,
			Library:     library,
			KV:          kv,
		})
		if err != nil {
			jww.FATAL.Panicf("Failed to start the chat manager: %+v", err)
		}
		defer m.Close()

		if err = m.JoinChannel(cmd.Context(), channelID); err != nil {
			jww.FATAL.Panicf("Failed to join %s: %+v", channelID, err)
		}
		if err = m.SetActiveChannel(channelID); err != nil {
			jww.FATAL.Panicf("Failed to activate %s: %+v", channelID, err)
		}

		message := viper.GetString("message")
		sendCount := viper.GetUint("sendCount")
		sendDelay := time.Duration(viper.GetUint("sendDelay")) *
			time.Millisecond
		for i := uint(0); message != "" && i < sendCount; i++ {
			if err = m.SendMessage(channelID, message, chat.Text); err != nil {
				jww.ERROR.Printf("Send %d failed: %+v", i, err)
			}
			time.Sleep(sendDelay)
		}

		waitForSettle(m, channelID, sendCount)
		printTimeline(m, channelID)

		if err = m.LeaveChannel(channelID); err != nil {
			jww.ERROR.Printf("Failed to leave %s: %+v", channelID, err)
		}
	},
}

// openSession opens the session's stores. An empty session directory keeps
// everything in memory.
func openSession(dir string) (
	ekv.KeyValue, chat.Archiver, chat.PinLibrary) {
	if dir == "" {
		jww.INFO.Printf("No session directory; running in memory")
		archive, err := storage.NewArchive("")
		if err != nil {
			jww.FATAL.Panicf("Failed to open the archive: %+v", err)
		}
		return ekv.MakeMemstore(), archive, nil
	}

	kv, err := ekv.NewFilestore(
		filepath.Join(dir, "kv"), viper.GetString("password"))
	if err != nil {
		jww.FATAL.Panicf("Failed to open the session store: %+v", err)
	}
	archive, err := storage.NewArchive(filepath.Join(dir, "archive.db"))
	if err != nil {
		jww.FATAL.Panicf("Failed to open the archive: %+v", err)
	}
	library, err := knowledge.NewLibrary(filepath.Join(dir, "knowledge"))
	if err != nil {
		jww.FATAL.Panicf("Failed to open the knowledge library: %+v", err)
	}
	return kv, archive, library
}

// waitForSettle waits until every dispatched send has been confirmed, or
// times out.
func waitForSettle(m *chat.Manager, channelID chat.ChannelID, sends uint) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		timeline, err := m.Timeline(channelID)
		if err != nil {
			return
		}
		confirmed := uint(0)
		for _, msg := range timeline {
			if msg.Status == chat.Delivered {
				confirmed++
			}
		}
		if confirmed >= sends {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	jww.WARN.Printf("Timed out waiting for sends to settle")
}

// printTimeline renders the channel to stdout the way the UI would: group
// starts and date separators included.
func printTimeline(m *chat.Manager, channelID chat.ChannelID) {
	timeline, err := m.Timeline(channelID)
	if err != nil {
		jww.ERROR.Printf("Failed to read the timeline: %+v", err)
		return
	}

	fmt.Printf("--- #%s (%d messages, %d unread) ---\n",
		channelID, len(timeline), m.Unread(channelID))
	for _, msg := range timeline {
		if msg.DateChanged {
			fmt.Printf("===== %s =====\n",
				msg.CreatedAt.Format("Mon, 02 Jan 2006"))
		}
		if msg.StartsGroup {
			fmt.Printf("%s [%s]\n", msg.AuthorName,
				msg.CreatedAt.Format("15:04"))
		}
		marker := " "
		if msg.Pinned {
			marker = "*"
		}
		fmt.Printf(" %s %s\n", marker, msg.Content)
		if msg.ReplyCount > 0 {
			fmt.Printf("   (%d replies)\n", msg.ReplyCount)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".pitside"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("pitside")
	}

	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		jww.INFO.Printf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.PersistentFlags().StringP("session", "s", "",
		"Sets the storage directory for client session data")
	viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))

	rootCmd.PersistentFlags().StringP("password", "p", "",
		"Password to the session file")
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))

	rootCmd.PersistentFlags().StringP("config", "", "",
		"Path to a custom config file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().StringP("community", "", "pitside",
		"Community to connect to")
	viper.BindPFlag("community", rootCmd.PersistentFlags().Lookup("community"))

	rootCmd.PersistentFlags().StringP("channel", "c", "futures",
		"Channel to join")
	viper.BindPFlag("channel", rootCmd.PersistentFlags().Lookup("channel"))

	rootCmd.PersistentFlags().StringP("userID", "", "local-user",
		"User ID for this session")
	viper.BindPFlag("userID", rootCmd.PersistentFlags().Lookup("userID"))

	rootCmd.PersistentFlags().StringP("username", "u", "Local User",
		"Display name for this session")
	viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))

	rootCmd.PersistentFlags().BoolP("curator", "", false,
		"Grant the session the knowledge curation capability")
	viper.BindPFlag("curator", rootCmd.PersistentFlags().Lookup("curator"))

	rootCmd.Flags().StringP("message", "m", "",
		"Message to send")
	viper.BindPFlag("message", rootCmd.Flags().Lookup("message"))

	rootCmd.Flags().UintP("sendCount", "", 1,
		"The number of times to send the message")
	viper.BindPFlag("sendCount", rootCmd.Flags().Lookup("sendCount"))

	rootCmd.Flags().UintP("sendDelay", "", 500,
		"The delay between sending the messages in ms")
	viper.BindPFlag("sendDelay", rootCmd.Flags().Lookup("sendDelay"))
}
