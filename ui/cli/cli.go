// Package cli provides the command line interface of sdrstream.
package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/logutils"
	"github.com/spf13/cobra"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/app"
	"github.com/ftl/sdrstream/core/cfg"
	"github.com/ftl/sdrstream/core/registry"
	"github.com/ftl/sdrstream/core/rtlsdr"
)

var rootFlags = struct {
	debug       bool
	testmode    bool
	driver      string
	serial      string
	index       int
	rate        float64
	frequency   float64
	bandwidth   float64
	correction  float64
	ifMode      string
	format      string
	gr          int
	manualGain  bool
	setpoint    float64
	bandTable   string
	vfoHost     string
	vfoOffset   float64
	buffers     int
	bufferLen   int
	probeBlocks int
}{}

var rootCmd = &cobra.Command{
	Use:   "sdrstream",
	Short: "Receive I/Q samples from a software defined radio",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(rootFlags.debug)
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Write the I/Q samples as little endian interleaved values to stdout",
	RunE:  runStream,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read a few blocks of samples and report what the receiver delivers",
	RunE:  runProbe,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the RTL-SDR dongles connected to this host",
	Run: func(cmd *cobra.Command, args []string) {
		devices := rtlsdr.Devices()
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return
		}
		for _, device := range devices {
			fmt.Println(device)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&rootFlags.debug, "debug", false, "log debug messages")
	flags.BoolVar(&rootFlags.testmode, "testmode", false, "use the simulated receiver")
	flags.StringVar(&rootFlags.driver, "driver", "", "receiver driver: rtlsdr or sim")
	flags.StringVar(&rootFlags.serial, "serial", "", "serial number of the device")
	flags.IntVar(&rootFlags.index, "index", 0, "index of the device if no serial is given")
	flags.Float64VarP(&rootFlags.rate, "rate", "r", 0, "output sample rate in Hz")
	flags.Float64VarP(&rootFlags.frequency, "frequency", "f", 0, "center frequency in Hz")
	flags.Float64Var(&rootFlags.bandwidth, "bandwidth", 0, "IF bandwidth in Hz, 0 selects the bandwidth for the sample rate")
	flags.Float64Var(&rootFlags.correction, "ppm", 0, "frequency correction in ppm")
	flags.StringVar(&rootFlags.ifMode, "if", "", "IF mode: Zero-IF, 450kHz, 1620kHz or 2048kHz")
	flags.StringVar(&rootFlags.format, "format", "", "sample format: CS16 or CF32")
	flags.IntVar(&rootFlags.gr, "gr", 0, "initial gain reduction in dB")
	flags.BoolVar(&rootFlags.manualGain, "manual-gain", false, "disable the automatic gain control")
	flags.Float64Var(&rootFlags.setpoint, "setpoint", 0, "AGC setpoint in dBFS")
	flags.StringVar(&rootFlags.bandTable, "bands", "", "INI file with the gain preferences per band")
	flags.StringVar(&rootFlags.vfoHost, "vfo", "", "address of a rigctld to follow")
	flags.Float64Var(&rootFlags.vfoOffset, "vfo-offset", 0, "offset between VFO and center frequency in Hz")
	flags.IntVar(&rootFlags.buffers, "buffers", 0, "number of buffers")
	flags.IntVar(&rootFlags.bufferLen, "buffer-length", 0, "samples per buffer")

	probeCmd.Flags().IntVar(&rootFlags.probeBlocks, "blocks", 16, "number of blocks to read")

	rootCmd.AddCommand(streamCmd, probeCmd, devicesCmd)
}

// Execute the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	minLevel := "INFO"
	if debug {
		minLevel = "DEBUG"
	}
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   os.Stderr,
	}
	log.SetOutput(filter)
	log.Print("[DEBUG] debug is on")
}

func configuration(cmd *cobra.Command) (core.Configuration, error) {
	result, err := cfg.Load()
	if err != nil {
		log.Printf("[INFO] no configuration file: %v", err)
		result = cfg.Static()
	}
	return override(result, cmd.Flags().Changed)
}

func override(c core.Configuration, changed func(string) bool) (core.Configuration, error) {
	if changed("testmode") {
		c.Testmode = rootFlags.testmode
	}
	if changed("driver") {
		c.Driver = rootFlags.driver
	}
	if changed("serial") {
		c.Serial = rootFlags.serial
	}
	if changed("index") {
		c.DeviceIndex = rootFlags.index
	}
	if changed("rate") {
		c.SampleRate = core.Frequency(rootFlags.rate)
	}
	if changed("frequency") {
		c.CenterFrequency = core.Frequency(rootFlags.frequency)
	}
	if changed("bandwidth") {
		c.Bandwidth = core.Frequency(rootFlags.bandwidth)
	}
	if changed("ppm") {
		c.FrequencyCorrection = rootFlags.correction
	}
	if changed("if") {
		c.IFMode = rootFlags.ifMode
	}
	if changed("format") {
		format, err := core.ParseSampleFormat(rootFlags.format)
		if err != nil {
			return c, err
		}
		c.Format = format
	}
	if changed("gr") {
		c.GainReduction = rootFlags.gr
	}
	if changed("manual-gain") {
		c.AGC = !rootFlags.manualGain
	}
	if changed("setpoint") {
		c.AGCSetpoint = core.DB(rootFlags.setpoint)
	}
	if changed("bands") {
		c.BandTable = rootFlags.bandTable
	}
	if changed("vfo") {
		c.VFOHost = rootFlags.vfoHost
	}
	if changed("vfo-offset") {
		c.VFOOffset = core.Frequency(rootFlags.vfoOffset)
	}
	if changed("buffers") {
		c.NumBuffers = rootFlags.buffers
	}
	if changed("buffer-length") {
		c.BufferLength = rootFlags.bufferLen
	}
	return c, nil
}

func startup(cmd *cobra.Command) (*app.Controller, *registry.Registry, error) {
	c, err := configuration(cmd)
	if err != nil {
		return nil, nil, err
	}
	devices := registry.New()
	controller := app.New(c, devices)
	if err := controller.Startup(); err != nil {
		devices.Close()
		return nil, nil, err
	}
	return controller, devices, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	controller, devices, err := startup(cmd)
	if err != nil {
		return err
	}
	defer devices.Close()
	defer controller.Shutdown()

	stop := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		log.Print("[INFO] interrupted")
		close(stop)
	}()

	return controller.Run(stop, os.Stdout)
}

func runProbe(cmd *cobra.Command, args []string) error {
	controller, devices, err := startup(cmd)
	if err != nil {
		return err
	}
	defer devices.Close()
	defer controller.Shutdown()

	report, err := controller.Probe(rootFlags.probeBlocks)
	if err != nil {
		return err
	}
	fmt.Print(report)
	return nil
}
