package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mcdev12/debateroom/go/internal/debate/mesh"
	"github.com/mcdev12/debateroom/go/internal/debate/relay"
	"github.com/mcdev12/debateroom/go/internal/debate/room"
	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/debate/turnclock"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/mcdev12/debateroom/go/internal/token"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	transportRelay  = "relay"
	transportNATS   = "nats"
	transportWebRTC = "webrtc"
)

var errQuit = errors.New("quit")

var peerCmdConfig = PeerCmdConfig{}

type PeerCmdConfig struct {
	Name      string
	Role      string
	RoomID    string
	PeerID    string
	Transport string
	NewRoom   bool
	NoToken   bool
	Watch     bool
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a debate room and drive the speaker scheduler from the terminal",
	Long: `Joins a room through the relay and reads commands from stdin:

  start <peer>        give the floor to a speaker (while idle)
  enqueue <peer>      add a speaker to the queue
  dequeue <peer>      remove a speaker from the queue
  move <from> <to>    move a queue entry
  pause | resume      pause or resume the current turn
  end | skip          end the current turn
  mute | unmute       toggle the local microphone
  status | roster     show scheduling state or room members
  leave               leave the room and exit

By default a token is fetched from the token service; --no-token joins with
--room, --peer-id and --role instead. With --transport=webrtc, scheduling
frames travel over data channels negotiated through the relay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPeer(ctx, config, peerCmdConfig, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(peerCmd)

	peerCmd.Flags().StringVar(&peerCmdConfig.Name, "name", "", "display name")
	peerCmd.Flags().StringVar(&peerCmdConfig.Role, "role", string(models.RoleSpeaker), "role: judge, speaker, moderator or audience")
	peerCmd.Flags().StringVar(&peerCmdConfig.RoomID, "room", "", "room id (token: join a known room; --no-token: room to join)")
	peerCmd.Flags().StringVar(&peerCmdConfig.PeerID, "peer-id", "", "peer id, required with --no-token")
	peerCmd.Flags().StringVar(&peerCmdConfig.Transport, "transport", transportRelay, "scheduling transport: relay, nats or webrtc")
	peerCmd.Flags().BoolVar(&peerCmdConfig.NewRoom, "new-room", false, "ask the token service for a fresh room")
	peerCmd.Flags().BoolVar(&peerCmdConfig.NoToken, "no-token", false, "join the relay without a token")
	peerCmd.Flags().BoolVar(&peerCmdConfig.Watch, "watch", false, "print the timer every tick while a turn runs")
}

func runPeer(ctx context.Context, cfg *Config, flags PeerCmdConfig, in io.Reader, out io.Writer) error {
	var (
		rawToken string
		roomID   = flags.RoomID
		peerID   = flags.PeerID
	)

	if !flags.NoToken {
		resp, err := token.NewClient(cfg.Token.ServiceURL).GetToken(ctx, token.TokenRequest{
			Role:     flags.Role,
			RoomID:   flags.RoomID,
			ForceNew: flags.NewRoom,
		})
		if err != nil {
			return err
		}
		claims, err := token.ParseUnverified(resp.Token)
		if err != nil {
			return err
		}
		rawToken, roomID, peerID = resp.Token, resp.RoomID, claims.UserID
	} else if roomID == "" || peerID == "" {
		return errors.New("--no-token needs --room and --peer-id")
	}

	role, err := models.ParseRole(flags.Role)
	if err != nil {
		return err
	}

	platform := relay.NewClient(relay.ClientConfig{
		URL:        cfg.Relay.URL,
		RoomID:     roomID,
		PeerID:     peerID,
		Role:       role,
		AudioTrack: "audio-" + peerID,
	})

	opts := []room.Option{
		room.WithBudget(cfg.Budget()),
		room.WithTickInterval(cfg.TickInterval()),
	}
	switch flags.Transport {
	case transportRelay:
	case transportNATS:
		nt, err := syncchannel.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, roomID, peerID)
		if err != nil {
			return err
		}
		defer nt.Close()
		opts = append(opts, room.WithTransport(nt))
	case transportWebRTC:
		// Data channels carry scheduling frames; the relay only carries negotiation.
		data := syncchannel.NewDataChannelTransport()
		defer data.Close()
		m := mesh.New(roomID, peerID, platform.Transport(), data, mesh.DefaultConfiguration())
		defer m.Close()
		if err := m.Start(); err != nil {
			return err
		}
		platform.OnRosterChange(func(r models.Roster) {
			m.UpdateRoster(ctx, r)
		})
		opts = append(opts, room.WithTransport(data))
	default:
		return fmt.Errorf("unknown transport %q", flags.Transport)
	}

	sess := room.NewSession(platform, opts...)
	if err := sess.Join(ctx, rawToken, flags.Name); err != nil {
		_, message := sess.Status()
		fmt.Fprintln(out, message)
		return err
	}
	defer func() {
		if err := sess.Leave(context.Background()); err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to leave room")
		}
	}()

	c := &console{sess: sess, platform: platform, roster: platform.Roster, out: out}
	fmt.Fprintf(out, "joined room %s as %s\n", roomID, peerID)
	c.printStatus()

	if flags.Watch {
		go c.watch(ctx, cfg.TickInterval())
	}
	return c.run(ctx, in)
}

// console executes text commands against a joined session.
type console struct {
	sess     *room.Session
	platform room.Platform
	roster   func() models.Roster
	out      io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// readLines scans in until it is exhausted or ctx is done, then closes the
// returned channel.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	if fields[0] == "leave" || fields[0] == "quit" {
		if err := c.sess.Leave(ctx); err != nil {
			return err
		}
		return errQuit
	}

	sched, err := c.sess.Scheduler()
	if err != nil {
		return err
	}

	arg := func(i int) (string, error) {
		if len(fields) <= i {
			return "", fmt.Errorf("%s needs %d argument(s)", fields[0], i)
		}
		return fields[i], nil
	}

	switch fields[0] {
	case "start":
		id, err := arg(1)
		if err != nil {
			return err
		}
		err = sched.StartTurn(ctx, id)
		if err != nil {
			return err
		}
	case "enqueue":
		id, err := arg(1)
		if err != nil {
			return err
		}
		if err := sched.Enqueue(ctx, id); err != nil {
			return err
		}
	case "dequeue":
		id, err := arg(1)
		if err != nil {
			return err
		}
		if err := sched.Dequeue(ctx, id); err != nil {
			return err
		}
	case "move":
		if _, err := arg(2); err != nil {
			return err
		}
		from, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid position %q", fields[1])
		}
		to, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("invalid position %q", fields[2])
		}
		if err := sched.Reorder(ctx, from, to); err != nil {
			return err
		}
	case "pause":
		if err := sched.Pause(ctx); err != nil {
			return err
		}
	case "resume":
		if err := sched.Resume(ctx); err != nil {
			return err
		}
	case "end":
		if err := sched.EndTurn(ctx); err != nil {
			return err
		}
	case "skip":
		if err := sched.Skip(ctx); err != nil {
			return err
		}
	case "mute", "unmute":
		enabled := fields[0] == "unmute"
		if err := c.platform.SetLocalAudioEnabled(ctx, enabled); err != nil {
			return err
		}
		if err := sched.OnLocalAudioChanged(ctx, enabled); err != nil {
			return err
		}
	case "status":
	case "roster":
		for _, p := range c.roster() {
			marker := " "
			if p.IsLocal {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %-12s %-10s %s\n", marker, p.ID, p.Role, p.Name)
		}
		return nil
	case "help":
		fmt.Fprintln(c.out, "commands: start enqueue dequeue move pause resume end skip mute unmute status roster leave")
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}

	c.printStatus()
	return nil
}

func (c *console) printStatus() {
	sched, err := c.sess.Scheduler()
	if err != nil {
		fmt.Fprintln(c.out, "not connected")
		return
	}
	snap := sched.Snapshot()

	speaker := snap.ActiveSpeakerID
	if speaker == "" {
		speaker = "-"
	}
	fmt.Fprintf(c.out, "[%s] %s speaker=%s mode=%s queue=%v\n",
		turnclock.FormatRemaining(snap.Remaining), snap.State, speaker, snap.Mode, snap.QueueOrder)
}

// watch prints the timer every interval while a turn is running.
func (c *console) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched, err := c.sess.Scheduler()
			if err != nil {
				return
			}
			snap := sched.Snapshot()
			if snap.ActiveSpeakerID == "" {
				last = ""
				continue
			}
			line := fmt.Sprintf("%s %s", snap.ActiveSpeakerID, turnclock.FormatRemaining(snap.Remaining))
			if line != last {
				fmt.Fprintln(c.out, line)
				last = line
			}
		}
	}
}
