package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cnfFlag string

	rootCmd := &cobra.Command{
		Use:   "gomqttc",
		Short: "Publish DS18B20 temperature readings to an MQTT broker",
		Long: `gomqttc connects to an MQTT broker, announces itself on an availability
topic and publishes readings of the attached 1-Wire temperature sensors.
Publishing "state" to <base>/cmd forces an immediate update.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(cnfFlag)
			if err != nil {
				return err
			}
			return s.Run()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cnfFlag, "config", "c", "", "Path of config file (.json, .yaml or .yml).")

	rootCmd.AddCommand(
		serviceCmd(&cnfFlag),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serviceCmd(cnfFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:       "service <action>",
		Short:     "Control the system service",
		Long:      fmt.Sprintf("Control the system service. Valid actions: %q", service.ControlAction),
		Args:      cobra.ExactArgs(1),
		ValidArgs: service.ControlAction[:],
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(*cnfFlag)
			if err != nil {
				return err
			}
			return service.Control(s, args[0])
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newService(configPath string) (service.Service, error) {
	ePath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	eDir, _ := filepath.Split(ePath)

	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else {
		f, err := os.OpenFile(filepath.Join(eDir, "gomqttc.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(f)
	}

	prg := &program{configFlag: configPath, execDir: eDir}
	svcConfig := service.Config{
		Name:        "gomqttc",
		DisplayName: "gomqttc MQTT sensor publisher",
		Description: "Publishes 1-Wire temperature readings to an MQTT broker.",
	}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		svcConfig.Arguments = []string{"-c", abs}
	}

	return service.New(prg, &svcConfig)
}
