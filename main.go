package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/callebjorkell/notccid/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app           = kingpin.New("notccid", "Talks to an eSTK.me bridge over USB or Bluetooth LE, without going through CCID.")
	configPath    = app.Flag("config", "Path to the YAML configuration.").Default("notccid.yaml").String()
	transportFlag = app.Flag("transport", "Transport to reach the bridge over, overrides the configuration.").Enum("usb", "ble")
	verbose       = app.Flag("verbose", "Log debug output.").Short('v').Bool()
	metricsListen = app.Flag("metrics-listen", "Serve Prometheus metrics on this address while the command runs.").String()
	forgetOnClose = app.Flag("forget", "Forget the device once the command is done.").Bool()

	status = app.Command("status", "Show whether a card is inserted and the interface claimed.")

	watch         = app.Command("watch", "Report card insertion and removal until interrupted.")
	watchInterval = watch.Flag("interval", "Status polling interval.").Default("200ms").Duration()

	led      = app.Command("led", "Set the indicator color. Without a color the indicator is turned off.")
	ledColor = led.Arg("color", "A color name (red, green, blue, purple, yellow, cyan, white) or hex value like #ff8000.").String()

	claim   = app.Command("claim", "Claim the card interface.")
	release = app.Command("release", "Release the card interface.")

	power    = app.Command("power", "Card power.")
	powerOn  = power.Command("on", "Power the card on and print its ATR.")
	noPPS    = powerOn.Flag("no-pps", "Skip protocol parameter negotiation.").Bool()
	powerOff = power.Command("off", "Power the card off.")

	transmit     = app.Command("transmit", "Claim and power the card, send one APDU and print the response.")
	transmitAPDU = transmit.Arg("apdu", "Request APDU in hex.").Required().String()

	echo     = app.Command("echo", "Send a payload to the bridge and print what comes back.")
	echoData = echo.Arg("data", "Payload in hex.").String()

	ping      = app.Command("ping", "Measure link quality with a series of echoes.")
	pingCount = ping.Flag("count", "Number of echoes.").Default("20").Int()
	pingSize  = ping.Flag("size", "Payload size of each echo.").Default("64").Int()
	pingRate  = ping.Flag("rate", "Maximum echoes per second, 0 for no limit.").Default("10").Float64()

	recovery = app.Command("recovery", "Claim and power the card, then put the eSTK.me into recovery mode.")

	devices  = app.Command("devices", "List the remembered devices.")
	forget   = app.Command("forget", "Forget a remembered device.")
	forgetID = forget.Arg("id", "USB serial number or BLE address.").Required().String()
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	cmd, err := app.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *transportFlag != "" {
		cfg.Transport = *transportFlag
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	setupLogging(cfg, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd {
	case devices.FullCommand():
		return listDevices(db)
	case forget.FullCommand():
		return forgetDevice(db, *forgetID)
	}

	d, err := connect(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.NotCCID().Close(closeOptions()); err != nil {
			log.Warnf("Closing %v: %v", d.NotCCID(), err)
		}
	}()

	switch cmd {
	case status.FullCommand():
		return showStatus(ctx, d)
	case watch.FullCommand():
		return watchCards(ctx, d, *watchInterval)
	case led.FullCommand():
		return setLED(ctx, d, *ledColor)
	case claim.FullCommand():
		return d.Claim(ctx)
	case release.FullCommand():
		return d.Release(ctx)
	case powerOn.FullCommand():
		return powerOnCard(ctx, d, !*noPPS)
	case powerOff.FullCommand():
		return d.PowerOffCard(ctx)
	case transmit.FullCommand():
		return sendAPDU(ctx, d, *transmitAPDU)
	case echo.FullCommand():
		return echoPayload(ctx, d, *echoData)
	case ping.FullCommand():
		return pingBridge(ctx, d)
	case recovery.FullCommand():
		return enterRecovery(ctx, d)
	}
	return fmt.Errorf("unrecognized command %q", cmd)
}

func setupLogging(cfg config.Config, verbose bool) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}
