// Command bb is the BlueBerry logger command line client.
//
// Usage:
//
//	bb scan [-t seconds]
//	bb info -a ADDR
//	bb blink -a ADDR [-n N]
//	bb config-read -a ADDR
//	bb config-write -a ADDR [--logging on|off] [--interval N] [--temp on|off] ...
//	bb set-password -a ADDR --pw PASSCODE
//	bb fetch -a ADDR [--rtd] [-n N] [--fmt txt|csv|json] [--file PATH]
//	bb dfu -a ADDR --package FILE
//
// Defaults are read from ~/.bblogger.yaml and BB_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	blueberry "github.com/lohmega/jamble"
	"github.com/lohmega/jamble/linux"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "E:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	loadConfig()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "scan":
		return cmdScan(ctx, log, rest)
	case "info":
		return cmdInfo(ctx, log, rest)
	case "blink":
		return cmdBlink(ctx, log, rest)
	case "config-read":
		return cmdConfigRead(ctx, log, rest)
	case "config-write":
		return cmdConfigWrite(ctx, log, rest)
	case "set-password", "config-pw":
		return cmdSetPassword(ctx, log, rest)
	case "fetch":
		return cmdFetch(ctx, log, rest)
	case "dfu":
		return cmdDFU(ctx, log, rest)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bb <command> [flags]

commands:
  scan          list BlueBerry logger devices
  info          show device information
  blink         blink device LED for identification
  config-read   show device configuration
  config-write  change device configuration
  set-password  set or unlock device passcode
  fetch         fetch real-time or logged sensor data
  dfu           update device firmware`)
}

// loadConfig reads defaults from ~/.bblogger.yaml and BB_* environment
// variables. Missing files are fine; flags override everything.
func loadConfig() {
	viper.SetConfigName(".bblogger")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("bb")
	viper.AutomaticEnv()

	viper.SetDefault("hci_device", -1)
	viper.SetDefault("connect_timeout", "10s")
	viper.SetDefault("conn_min_interval", 80)
	viper.SetDefault("conn_max_interval", 160)
	viper.SetDefault("format", "txt")
	viper.SetDefault("scan_duration", "5s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "W: config file:", err)
		}
	}
}

// common holds the flags every device command shares.
type common struct {
	addr     string
	passcode string
	verbose  bool
}

func commonFlags(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.addr, "a", "", "device address (MAC, or device UUID on MacOS)")
	fs.StringVar(&c.addr, "address", "", "device address (MAC, or device UUID on MacOS)")
	fs.StringVar(&c.passcode, "pw", "", "passcode to unlock (or lock) device")
	fs.StringVar(&c.passcode, "password", "", "passcode to unlock (or lock) device")
	fs.BoolVar(&c.verbose, "v", false, "verbose output")
	return c
}

func (c *common) client(log *logrus.Logger, opts ...blueberry.Option) (*blueberry.Client, error) {
	if c.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	connectTimeout := viper.GetDuration("connect_timeout")
	tr, err := linux.NewTransport(
		linux.WithDeviceID(viper.GetInt("hci_device")),
		linux.WithDialTimeout(connectTimeout),
		linux.WithConnParams(
			uint16(viper.GetInt("conn_min_interval")),
			uint16(viper.GetInt("conn_max_interval"))),
		linux.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		blueberry.WithLogger(log),
		blueberry.WithConnectTimeout(connectTimeout),
		blueberry.WithConnParams(
			uint16(viper.GetInt("conn_min_interval")),
			uint16(viper.GetInt("conn_max_interval"))),
	)
	if c.passcode != "" {
		opts = append(opts, blueberry.WithPasscode(c.passcode))
	}
	return blueberry.New(tr, opts...), nil
}

func (c *common) require() error {
	if c.addr == "" {
		return fmt.Errorf("device address required (-a)")
	}
	return nil
}

func cmdScan(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	c := commonFlags(fs)
	dur := fs.Duration("t", viper.GetDuration("scan_duration"), "scan duration")
	fs.Parse(args)

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	devs, err := cl.Scan(ctx, *dur)
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Printf("%s   %d dBm   %s\n", d.Address, d.RSSI, d.Name)
	}
	return nil
}

func cmdInfo(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	info, err := cl.Info(ctx, c.addr)
	if err != nil {
		return err
	}
	printKV("address", info.Address)
	printKV("serial", info.SerialNumber)
	printKV("firmware", info.FirmwareVersion)
	printKV("hardware", info.HardwareModel)
	printKV("manufacturer", info.Manufacturer)
	printKV("rtd", onoff(info.HasRTD))
	printKV("dfu", onoff(info.HasDFU))
	return nil
}

func cmdBlink(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("blink", flag.ExitOnError)
	c := commonFlags(fs)
	n := fs.Int("n", 1, "number of blinks")
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	return cl.Blink(ctx, c.addr, *n)
}

func cmdConfigRead(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("config-read", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	cfg, err := cl.ConfigRead(ctx, c.addr)
	if err != nil {
		return err
	}
	printConfig(cfg)
	return nil
}

// onoffFlag is a tri-state on/off flag: unset means leave unchanged.
type onoffFlag struct {
	set bool
	on  bool
}

func (f *onoffFlag) String() string {
	if !f.set {
		return ""
	}
	return onoff(f.on)
}

func (f *onoffFlag) Set(s string) error {
	switch s {
	case "on":
		f.on = true
	case "off":
		f.on = false
	default:
		return fmt.Errorf("valid options are on|off")
	}
	f.set = true
	return nil
}

func cmdConfigWrite(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("config-write", flag.ExitOnError)
	c := commonFlags(fs)

	var logging onoffFlag
	fs.Var(&logging, "logging", "logging on|off (sensor data stored)")
	interval := fs.Int("interval", -1, "global log interval in seconds")
	connMin := fs.Int("conn-min-interval", -1, "preferred connection interval min (raw 1.25 ms units)")
	connMax := fs.Int("conn-max-interval", -1, "preferred connection interval max (raw 1.25 ms units)")

	sensors := make(map[string]*onoffFlag, len(blueberry.SensorNames))
	for name := range blueberry.SensorNames {
		f := &onoffFlag{}
		sensors[name] = f
		fs.Var(f, name, "sensor on|off")
	}
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}

	var u blueberry.ConfigUpdate
	if logging.set {
		v := logging.on
		u.Logging = &v
	}
	if *interval >= 0 {
		v := uint32(*interval)
		u.Interval = &v
	}
	if *connMin >= 0 {
		v := uint16(*connMin)
		u.ConnMin = &v
	}
	if *connMax >= 0 {
		v := uint16(*connMax)
		u.ConnMax = &v
	}
	for name, f := range sensors {
		if !f.set {
			continue
		}
		mask := blueberry.SensorNames[name]
		if f.on {
			u.Enable |= mask
		} else {
			u.Disable |= mask
		}
	}
	if u.Empty() {
		return fmt.Errorf("no config fields given")
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	cfg, err := cl.ConfigWrite(ctx, c.addr, u)
	if err != nil {
		return err
	}
	printConfig(cfg)
	return nil
}

func cmdSetPassword(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}
	if c.passcode == "" {
		return fmt.Errorf("passcode required (--pw)")
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	return cl.SetPasscode(ctx, c.addr, c.passcode)
}

func cmdFetch(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	c := commonFlags(fs)
	rtd := fs.Bool("rtd", false, "fetch real-time data instead of logged")
	num := fs.Int("n", 0, "max number of samples to fetch (0 = all)")
	dur := fs.Duration("t", 0, "max fetch duration (real-time only, 0 = unbounded)")
	format := fs.String("fmt", viper.GetString("format"), "output format: txt, csv or json")
	file := fs.String("file", "", "data output file (default stdout)")
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}

	out := os.Stdout
	if *file != "" {
		f, err := os.Create(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	w, err := newSampleWriter(out, *format)
	if err != nil {
		return err
	}
	defer w.Flush()

	cl, err := c.client(log, blueberry.WithGapHandler(func(g blueberry.Gap) {
		log.Warnf("missed samples: expected seq %d, got %d", g.Expected, g.Actual)
	}))
	if err != nil {
		return err
	}

	if *rtd {
		n, err := cl.FetchRTD(ctx, c.addr, *num, *dur, w.Write)
		log.Infof("fetched %d samples", n)
		return err
	}
	chunk, err := cl.FetchLog(ctx, c.addr, blueberry.LogRange{Count: uint32(*num)})
	if err != nil {
		return err
	}
	for _, s := range chunk.Samples {
		if werr := w.Write(s); werr != nil {
			return werr
		}
	}
	log.Infof("fetched %d log entries", len(chunk.Samples))
	return nil
}

func cmdDFU(ctx context.Context, log *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("dfu", flag.ExitOnError)
	c := commonFlags(fs)
	pkgPath := fs.String("package", "", "firmware package file")
	fs.Parse(args)
	if err := c.require(); err != nil {
		return err
	}
	if *pkgPath == "" {
		return fmt.Errorf("firmware package required (--package)")
	}

	pkg, err := os.ReadFile(*pkgPath)
	if err != nil {
		return err
	}

	cl, err := c.client(log)
	if err != nil {
		return err
	}
	last := -1
	res, err := cl.DFU(ctx, c.addr, pkg, func(sent, total int) {
		pct := sent * 100 / total
		if pct/10 != last/10 {
			last = pct
			fmt.Fprintf(os.Stderr, "transferring... %3d%%\n", pct)
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("updated to %s: %d bytes in %s (crc 0x%08x)\n",
		res.Version, res.BytesSent, res.Elapsed.Round(time.Second), res.CRC)
	return nil
}

func printKV(k, v string) {
	fmt.Printf("  %-12s: %s\n", k, v)
}

func onoff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printConfig(cfg blueberry.ConfigRecord) {
	printKV("logging", onoff(cfg.Logging))
	printKV("interval", fmt.Sprintf("%d", cfg.Interval))
	printKV("pwstatus", cfg.Passcode.String())
	if cfg.ConnMin != 0 || cfg.ConnMax != 0 {
		printKV("conn-interval", fmt.Sprintf("%d-%d", cfg.ConnMin, cfg.ConnMax))
	}
	enabled := make(map[string]bool)
	for _, name := range cfg.Sensors.Names() {
		enabled[name] = true
	}
	names := make([]string, 0, len(blueberry.SensorNames))
	for name := range blueberry.SensorNames {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printKV(name, onoff(enabled[name]))
	}
}
