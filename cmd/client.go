package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yapchat/yap/pkg/client"
	"github.com/yapchat/yap/pkg/logger"
	"github.com/yapchat/yap/pkg/media"
	"github.com/yapchat/yap/pkg/types"
)

const clientHelp = `commands: speak (s), stop, mute (m), who (w), quit (q)`

var clientCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the voice room from the terminal",
	RunE:  clientMain,
}

func init() {
	clientCmd.PersistentFlags().StringP("url", "u", conf.Client.URL, "relay websocket to connect to")
	clientCmd.PersistentFlags().StringP("name", "n", "", "display name")
	clientCmd.PersistentFlags().String("audio", "", "ogg/opus file to use as the microphone")
	_ = viper.BindPFlag("client.url", clientCmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("client.name", clientCmd.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("client.audiofile", clientCmd.PersistentFlags().Lookup("audio"))

	rootCmd.AddCommand(clientCmd)
}

func clientMain(cmd *cobra.Command, args []string) error {
	if conf.Client.Name == "" {
		return errors.New("a display name is required (--name)")
	}

	var mic media.Microphone = media.SilenceMicrophone{}
	if conf.Client.AudioFile != "" {
		mic = media.OggMicrophone{Path: conf.Client.AudioFile, Loop: true}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "joining %s as %s\n", conf.Client.URL, conf.Client.Name)

	s, err := client.Join(ctx, client.Options{
		URL:        conf.Client.URL,
		Name:       conf.Client.Name,
		WebRTC:     conf.WebRTC,
		Microphone: mic,
		Meter:      client.DefaultMeter,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	printer := newRosterPrinter(out)
	s.OnRoster(printer.update)
	s.OnStatus(func(st client.Status) {
		fmt.Fprintf(out, "status: %s\n", st)
		if st == client.StatusMediaFault {
			fmt.Fprintf(out, "microphone unavailable: %v\n", s.LastError())
		}
	})
	s.OnServerError(func(reason string) {
		fmt.Fprintf(out, "relay error: %s\n", reason)
	})
	s.OnLoudness(func(track types.TrackID, level float64) {
		logger.GetLogger().V(2).Info("loudness", "track", track, "level", level)
	})

	fmt.Fprintln(out, clientHelp)
	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			if err := s.LastError(); err != nil {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runIntent(ctx, s, printer, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "%v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runIntent(ctx context.Context, s *client.Session, printer *rosterPrinter, intent string) (quit bool, err error) {
	switch intent {
	case "":
		return false, nil
	case "speak", "s":
		return false, s.StartSpeaking(ctx)
	case "stop":
		return false, s.StopSpeaking()
	case "mute", "m":
		return false, s.ToggleMute()
	case "who", "w":
		printer.print(s.Roster())
		return false, nil
	case "quit", "q":
		return true, nil
	}
	return false, fmt.Errorf("unknown command %q; %s", intent, clientHelp)
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// rosterPrinter collapses bursts of roster updates into one print.
type rosterPrinter struct {
	out      io.Writer
	debounce func(f func())

	mu     sync.Mutex
	latest []types.RosterEntry
}

func newRosterPrinter(out io.Writer) *rosterPrinter {
	return &rosterPrinter{
		out:      out,
		debounce: debounce.New(100 * time.Millisecond),
	}
}

func (p *rosterPrinter) update(entries []types.RosterEntry) {
	p.mu.Lock()
	p.latest = entries
	p.mu.Unlock()

	p.debounce(func() {
		p.mu.Lock()
		entries := p.latest
		p.mu.Unlock()
		p.print(entries)
	})
}

func (p *rosterPrinter) print(entries []types.RosterEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %d in the room ---\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "  %-20s %s\n", e.Name, e.State)
	}
	fmt.Fprint(p.out, b.String())
}
