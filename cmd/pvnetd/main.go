package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/pvnet-dev/pvnet"
)

const DefaultListenAddr = "127.0.0.1:5076"

const Version = "0.1.0"

// mirrorHandler accepts every put by posting the request value unchanged.
type mirrorHandler struct {
	pvnet.NopHandler
}

func (self *mirrorHandler) OnPut(pv *pvnet.SharedPV, op *pvnet.Operation) {
	if err := pv.Post(op.Value()); err != nil {
		op.DoneError(err.Error())
		return
	}
	op.Done()
}

func main() {
	usage := fmt.Sprintf(
		`pvnet daemon. Hosts NT scalar process variables over the pvnet endpoint.

The default listen address is %s.

Usage:
    pvnetd serve [--listen=<listen>] [--pv=<pv>...] [--verbosity=<verbosity>]
    pvnetd --version

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    -l --listen=<listen>         Listen address [default: %s].
    --pv=<pv>                    PV to host, as name or name=initial. Repeatable.
    -v --verbosity=<verbosity>   Log verbosity [default: 0].`,
		DefaultListenAddr,
		DefaultListenAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	verbosity, _ := opts.Int("--verbosity")
	pvnet.SetLogVerbosity(verbosity)

	listenAddr, _ := opts.String("--listen")

	pvSpecs := []string{}
	if pvsAny := opts["--pv"]; pvsAny != nil {
		pvSpecs = pvsAny.([]string)
	}
	if len(pvSpecs) == 0 {
		pvSpecs = []string{"demo=0"}
	}

	provider := pvnet.NewStaticProvider("pvnetd")
	for _, spec := range pvSpecs {
		name, initial := parsePvSpec(spec)
		pv := pvnet.NewSharedPVWithDefaults(&mirrorHandler{})
		if err := pv.Open(pvnet.ScalarFloat(initial)); err != nil {
			glog.Errorf("open %q: %v\n", name, err)
			os.Exit(1)
		}
		if err := provider.Add(name, pv); err != nil {
			glog.Errorf("add %q: %v\n", name, err)
			os.Exit(1)
		}
	}

	settings := pvnet.DefaultServerSettings()
	settings.ListenAddr = listenAddr
	server, err := pvnet.NewServer([]pvnet.Provider{provider}, settings)
	if err != nil {
		glog.Errorf("listen: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("pvnetd serving %d pvs on %s\n", len(pvSpecs), server.Conf().Addr)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC

	server.Stop()
}

func parsePvSpec(spec string) (name string, initial float64) {
	name = spec
	for i := 0; i < len(spec); i += 1 {
		if spec[i] == '=' {
			name = spec[:i]
			initial, _ = strconv.ParseFloat(spec[i+1:], 64)
			return
		}
	}
	return
}
