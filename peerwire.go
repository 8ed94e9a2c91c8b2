package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/hash"
	phttp "github.com/jech/peerwire/http"
	"github.com/jech/peerwire/known"
	"github.com/jech/peerwire/storage"
	"github.com/jech/peerwire/swarm"
)

// addrList is a repeatable flag holding peer addresses.
type addrList []netip.AddrPort

func (l *addrList) String() string {
	s := make([]string, len(*l))
	for i, a := range *l {
		s[i] = a.String()
	}
	return strings.Join(s, ",")
}

func (l *addrList) Set(v string) error {
	a, err := netip.ParseAddrPort(v)
	if err != nil {
		return err
	}
	*l = append(*l, a)
	return nil
}

func main() {
	var seed, infoFile, writeInfo, output, proxyURL string
	var pieceSize uint
	var uploadRate float64
	var allowLocal, quiet bool
	var peers addrList
	policy := swarm.RarestFirst
	cfg := config.Default()

	flag.IntVar(&config.ProtocolPort, "port", 23222,
		"`port` used for peer-wire traffic")
	flag.StringVar(&config.HTTPAddr, "http", "[::1]:8088",
		"web server address, empty to disable")
	flag.StringVar(&proxyURL, "proxy", "",
		"`URL` of proxy to use for outgoing connections")
	flag.BoolVar(&config.Debug, "debug", false,
		"log all peer-wire messages")
	flag.Float64Var(&uploadRate, "upload-rate", config.UploadRate(),
		"upload `rate` in bytes per second, 0 for unlimited")
	flag.Var(&policy, "policy",
		"piece selection `policy` (rarest, streaming or random)")
	flag.Var(&peers, "peer", "`address` of a peer (may be repeated)")
	flag.StringVar(&seed, "seed", "", "seed the contents of `file`")
	flag.StringVar(&infoFile, "info", "",
		"download the torrent described by the info dictionary in `file`")
	flag.StringVar(&writeInfo, "write-info", "",
		"when seeding, write the info dictionary to `file`")
	flag.StringVar(&output, "o", "",
		"when downloading, write the data to `file`")
	flag.UintVar(&pieceSize, "piece-size", 256*1024,
		"piece size in `bytes` when seeding")
	flag.IntVar(&cfg.MinPeers, "min-peers", cfg.MinPeers,
		"try to keep at least `count` connections")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers,
		"accept at most `count` connections")
	flag.IntVar(&cfg.UnchokeSlots, "unchoke", cfg.UnchokeSlots,
		"number of regular unchoke `slots`")
	flag.BoolVar(&allowLocal, "allow-local", false,
		"allow connections to and from non-global addresses")
	flag.BoolVar(&quiet, "quiet", false, "don't display progress")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr, TimeFormat: time.TimeOnly,
	})

	config.SetDefaultProxy(proxyURL)
	swarm.SetUploadRate(uploadRate)

	err := run(seed, infoFile, writeInfo, output, uint32(pieceSize),
		policy, cfg, peers, allowLocal, quiet)
	if err != nil {
		log.Error().Err(err).Msg("peerwire")
		os.Exit(1)
	}
}

// open builds the metadata and storage of the swarm.
func open(seed, infoFile, writeInfo string, pieceSize uint32) (string, *storage.Info, hash.Hash, *storage.Memory, error) {
	if (seed == "") == (infoFile == "") {
		return "", nil, hash.Hash{}, nil, errors.New("exactly one of -seed and -info is required")
	}
	if seed != "" {
		data, err := os.ReadFile(seed)
		if err != nil {
			return "", nil, hash.Hash{}, nil, err
		}
		name := filepath.Base(seed)
		info, ih, err := storage.Describe(name, data, pieceSize)
		if err != nil {
			return "", nil, hash.Hash{}, nil, err
		}
		store := storage.NewMemory(info)
		_, err = store.Load(data)
		if err != nil {
			store.Close()
			return "", nil, hash.Hash{}, nil, err
		}
		if writeInfo != "" {
			d, err := storage.Marshal(name, info)
			if err == nil {
				err = os.WriteFile(writeInfo, d, 0644)
			}
			if err != nil {
				store.Close()
				return "", nil, hash.Hash{}, nil, err
			}
		}
		return name, info, ih, store, nil
	}

	d, err := os.ReadFile(infoFile)
	if err != nil {
		return "", nil, hash.Hash{}, nil, err
	}
	name, info, ih, err := storage.Unmarshal(d)
	if err != nil {
		return "", nil, hash.Hash{}, nil, fmt.Errorf("%v: %w", infoFile, err)
	}
	return name, info, ih, storage.NewMemory(info), nil
}

func run(seed, infoFile, writeInfo, output string, pieceSize uint32,
	policy swarm.Policy, cfg config.Swarm, peers addrList,
	allowLocal, quiet bool) error {
	name, info, ih, store, err := open(seed, infoFile, writeInfo, pieceSize)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := swarm.NewEvents(1024)
	var port uint16
	listener, err := swarm.Listen(fmt.Sprintf(":%v", config.ProtocolPort),
		false, events, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("not accepting connections")
	} else {
		listener.AllowLocal = allowLocal
		port = uint16(config.ProtocolPort)
		go listener.Serve(ctx)
	}

	s, err := swarm.New(swarm.Options{
		Hash:     ih,
		Name:     name,
		Config:   cfg,
		Metadata: info,
		Storage:  store,
		Dialer:   &swarm.Dialer{Timeout: 30 * time.Second, AllowLocal: allowLocal},
		Events:   events,
		Policy:   policy,
		Port:     port,
		Logger:   log.Logger,
	})
	if err != nil {
		return err
	}
	log.Info().Str("name", name).Stringer("hash", ih).
		Int("pieces", info.NumPieces()).Msg(config.Version)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	for _, a := range peers {
		err := s.Submit(ctx, swarm.AddPeer{Addr: a, Kind: known.Heard})
		if err != nil {
			return err
		}
	}

	if config.HTTPAddr != "" {
		server := &http.Server{
			Addr:              config.HTTPAddr,
			Handler:           phttp.NewHandler(),
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			log.Info().Msgf("Listening on http://%v", config.HTTPAddr)
			err := server.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("ListenAndServe")
			}
		}()
		defer server.Close()
	}

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions(info.NumPieces(),
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		bar.Set(info.NumPieces() - store.Missing())
	}

	for {
		ev, err := events.Wait(context.Background())
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case swarm.PieceVerified:
			if bar != nil {
				bar.Add(1)
			}
		case swarm.Completed:
			if bar != nil {
				bar.Finish()
			}
			log.Info().Str("name", name).Msg("download complete")
			if output != "" {
				err := writeOutput(output, info, store)
				if err != nil {
					log.Error().Err(err).Str("file", output).
						Msg("write")
				}
			}
		case swarm.PeerAdded:
			log.Debug().Stringer("addr", ev.Addr).
				Bool("outgoing", ev.Outgoing).Msg("peer added")
		case swarm.PeerFailed:
			log.Debug().Stringer("addr", ev.Addr).Err(ev.Err).
				Msg("peer failed")
		case swarm.EndgameEntered:
			log.Debug().Int("missing", ev.Missing).Msg("endgame")
		case swarm.ListenFailed:
			log.Warn().Str("addr", ev.Addr).Err(ev.Err).
				Msg("listen failed")
		case swarm.Stopped:
			if listener != nil {
				listener.Close()
			}
			err := <-done
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		}
	}
}

func writeOutput(filename string, info *storage.Info, store *storage.Memory) error {
	data := make([]byte, info.Length())
	_, err := store.ReadAt(data, 0)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
