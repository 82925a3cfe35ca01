package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// defaultImageThreshold is the Hamming radius used when the shell is
// built without an explicit one (SIMILARITY_THRESHOLD).
const defaultImageThreshold = 5

// Shell maps plain-text verbs with positional arguments onto Service
// operations. Transports (NATS RPC, a bot command handler) feed lines in
// and relay the textual reply.
type Shell struct {
	svc       *Service
	threshold int
	logger    zerolog.Logger
}

// NewShell wraps the admin service in the text command surface.
// imageThreshold is the Hamming radius applied by blockimage; zero takes
// the default.
func NewShell(svc *Service, imageThreshold int, logger zerolog.Logger) *Shell {
	if imageThreshold <= 0 {
		imageThreshold = defaultImageThreshold
	}
	return &Shell{
		svc:       svc,
		threshold: imageThreshold,
		logger:    logger.With().Str("component", "admin-shell").Logger(),
	}
}

// Execute runs one command line on behalf of principal and returns the
// reply text. Errors come back as text too; the shell never panics the
// caller.
func (sh *Shell) Execute(ctx context.Context, principal, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	out, err := sh.run(ctx, principal, verb, args)
	if err != nil {
		sh.logger.Debug().Str("principal", principal).Str("verb", verb).Err(err).Msg("Command failed")
		return "error: " + err.Error()
	}
	return out
}

func (sh *Shell) run(ctx context.Context, principal, verb string, args []string) (string, error) {
	switch verb {
	// Pairs
	case "addpair":
		if len(args) < 3 {
			return "", fmt.Errorf("usage: addpair <src> <dst> <name> [sender]")
		}
		src, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		dst, err := parseID(args[1])
		if err != nil {
			return "", err
		}
		var senderID int64
		if len(args) > 3 {
			if senderID, err = parseID(args[3]); err != nil {
				return "", err
			}
		}
		id, err := sh.svc.AddPair(ctx, principal, src, dst, args[2], senderID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pair %d created", id), nil

	case "deletepair":
		id, err := oneID(args, "deletepair <id>")
		if err != nil {
			return "", err
		}
		if err := sh.svc.DeletePair(ctx, principal, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("pair %d deleted", id), nil

	case "editpair":
		if len(args) < 3 {
			return "", fmt.Errorf("usage: editpair <id> <field> <value>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		if err := sh.svc.EditPair(ctx, principal, id, args[1], strings.Join(args[2:], " ")); err != nil {
			return "", err
		}
		return "ok", nil

	case "listpairs":
		pairs, err := sh.svc.ListPairs(ctx, principal)
		if err != nil {
			return "", err
		}
		if len(pairs) == 0 {
			return "no pairs", nil
		}
		var b strings.Builder
		for _, p := range pairs {
			fmt.Fprintf(&b, "#%d %s %d→%d [%s] copied=%d errors=%d\n",
				p.ID, p.Name, p.SourceChat, p.DestChat, p.Status,
				p.Stats.MessagesCopied, p.Stats.Errors)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "pairinfo":
		id, err := oneID(args, "pairinfo <id>")
		if err != nil {
			return "", err
		}
		p, err := sh.svc.PairInfo(ctx, principal, id)
		if err != nil {
			return "", err
		}
		return asJSON(p)

	// Senders
	case "addsender":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: addsender <handle> <credential>")
		}
		id, err := sh.svc.AddSender(ctx, principal, args[0], args[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sender %d added", id), nil

	case "listsenders":
		includeDisabled := len(args) > 0 && args[0] == "all"
		infos, err := sh.svc.ListSenders(ctx, principal, includeDisabled)
		if err != nil {
			return "", err
		}
		if len(infos) == 0 {
			return "no senders", nil
		}
		var b strings.Builder
		for _, s := range infos {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "#%d %s %s uses=%d\n", s.ID, s.Handle, state, s.UsageCount)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "togglesender":
		id, err := oneID(args, "togglesender <id>")
		if err != nil {
			return "", err
		}
		enabled, err := sh.svc.ToggleSender(ctx, principal, id)
		if err != nil {
			return "", err
		}
		if enabled {
			return fmt.Sprintf("sender %d enabled", id), nil
		}
		return fmt.Sprintf("sender %d disabled", id), nil

	case "deletesender":
		id, err := oneID(args, "deletesender <id>")
		if err != nil {
			return "", err
		}
		if err := sh.svc.DeleteSender(ctx, principal, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("sender %d deleted", id), nil

	// Filters
	case "blockword":
		word, pairID, err := wordAndPair(args, "blockword <word> [pair]")
		if err != nil {
			return "", err
		}
		if err := sh.svc.BlockWord(ctx, principal, word, pairID); err != nil {
			return "", err
		}
		return "blocked", nil

	case "unblockword":
		word, pairID, err := wordAndPair(args, "unblockword <word> [pair]")
		if err != nil {
			return "", err
		}
		if err := sh.svc.UnblockWord(ctx, principal, word, pairID); err != nil {
			return "", err
		}
		return "unblocked", nil

	case "listblocked":
		var pairID int64
		var err error
		if len(args) > 0 {
			if pairID, err = parseID(args[0]); err != nil {
				return "", err
			}
		}
		global, pair, err := sh.svc.ListBlocked(ctx, principal, pairID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("global: %s\npair: %s",
			strings.Join(global, ", "), strings.Join(pair, ", ")), nil

	case "blockimage":
		// Image bytes arrive base64-encoded; the transport has no
		// binary framing.
		if len(args) < 1 {
			return "", fmt.Errorf("usage: blockimage <base64> [pair] [note]")
		}
		img, err := base64.StdEncoding.DecodeString(args[0])
		if err != nil {
			return "", fmt.Errorf("bad image encoding: %w", err)
		}
		var pairID int64
		if len(args) > 1 {
			if pairID, err = parseID(args[1]); err != nil {
				return "", err
			}
		}
		note := ""
		if len(args) > 2 {
			note = strings.Join(args[2:], " ")
		}
		phash, err := sh.svc.BlockImage(ctx, principal, img, pairID, sh.threshold, note)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("image blocked, phash=%016x", phash), nil

	case "unblockimage":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: unblockimage <phash> [pair]")
		}
		phash, err := strconv.ParseUint(args[0], 16, 64)
		if err != nil {
			return "", fmt.Errorf("bad phash %q", args[0])
		}
		var pairID int64
		if len(args) > 1 {
			if pairID, err = parseID(args[1]); err != nil {
				return "", err
			}
		}
		if err := sh.svc.UnblockImage(ctx, principal, phash, pairID); err != nil {
			return "", err
		}
		return "unblocked", nil

	case "listblockedimages":
		var pairID int64
		var err error
		if len(args) > 0 {
			if pairID, err = parseID(args[0]); err != nil {
				return "", err
			}
		}
		entries, err := sh.svc.ListBlockedImages(ctx, principal, pairID)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "no blocked images", nil
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "#%d %016x %s r=%d hits=%d %s\n",
				e.ID, e.PHash, e.Scope, e.Threshold, e.UsageCount, e.Note)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "setmentions":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: setmentions <pair> <on|off> [placeholder]")
		}
		pairID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		enabled, err := parseSwitch(args[1])
		if err != nil {
			return "", err
		}
		placeholder := ""
		if len(args) > 2 {
			placeholder = strings.Join(args[2:], " ")
		}
		if err := sh.svc.SetMentions(ctx, principal, pairID, enabled, placeholder); err != nil {
			return "", err
		}
		return "ok", nil

	case "setheader", "setfooter":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: %s <pair> <regex|clear>", verb)
		}
		pairID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		pattern := strings.Join(args[1:], " ")
		if pattern == "clear" {
			pattern = ""
		}
		if verb == "setheader" {
			err = sh.svc.SetHeaderPattern(ctx, principal, pairID, pattern)
		} else {
			err = sh.svc.SetFooterPattern(ctx, principal, pairID, pattern)
		}
		if err != nil {
			return "", err
		}
		return "ok", nil

	case "setwatermark":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: setwatermark <pair> <on|off> [text]")
		}
		pairID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		enabled, err := parseSwitch(args[1])
		if err != nil {
			return "", err
		}
		text := ""
		if len(args) > 2 {
			text = strings.Join(args[2:], " ")
		}
		if err := sh.svc.SetWatermark(ctx, principal, pairID, enabled, text); err != nil {
			return "", err
		}
		return "ok", nil

	case "testfilter":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: testfilter <pair> <text>")
		}
		pairID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		res, err := sh.svc.TestFilter(ctx, principal, pairID, strings.Join(args[1:], " "))
		if err != nil {
			return "", err
		}
		if !res.Kept {
			if res.Word != "" {
				return fmt.Sprintf("dropped (%s: %q)", res.Reason, res.Word), nil
			}
			return fmt.Sprintf("dropped (%s)", res.Reason), nil
		}
		return "kept: " + res.Rewritten, nil

	// Ops
	case "pause":
		if err := sh.svc.Pause(ctx, principal); err != nil {
			return "", err
		}
		return "paused", nil

	case "resume":
		if err := sh.svc.Resume(ctx, principal); err != nil {
			return "", err
		}
		return "resumed", nil

	case "status":
		st, err := sh.svc.Status(ctx, principal)
		if err != nil {
			return "", err
		}
		return asJSON(st)

	case "health":
		snap, err := sh.svc.Health(ctx, principal)
		if err != nil {
			return "", err
		}
		return asJSON(snap)

	case "queue":
		ready, delayed, err := sh.svc.Queue(ctx, principal)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ready=%d delayed=%d", ready, delayed), nil

	case "clearqueue":
		n, err := sh.svc.ClearQueue(ctx, principal)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("cleared %d tasks", n), nil

	case "backup":
		dst := fmt.Sprintf("chatmirror-%s.db", time.Now().UTC().Format("20060102-150405"))
		if len(args) > 0 {
			dst = args[0]
		}
		if err := sh.svc.Backup(ctx, principal, dst); err != nil {
			return "", err
		}
		return "backup written to " + dst, nil

	case "cleanup":
		days := 30
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return "", fmt.Errorf("bad day count %q", args[0])
			}
			days = n
		}
		mappings, errs, err := sh.svc.Cleanup(ctx, principal, days)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d mappings, %d error entries", mappings, errs), nil

	// Access
	case "addsub", "renewsub":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: %s <user> <days>", verb)
		}
		userID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		days, err := strconv.Atoi(args[1])
		if err != nil || days < 1 {
			return "", fmt.Errorf("bad day count %q", args[1])
		}
		var until time.Time
		if verb == "renewsub" {
			until, err = sh.svc.RenewSub(ctx, principal, userID, days)
		} else {
			until, err = sh.svc.AddSub(ctx, principal, userID, days)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user %d subscribed until %s", userID, until.Format(time.RFC3339)), nil

	case "listsubs":
		subs, err := sh.svc.ListSubs(ctx, principal)
		if err != nil {
			return "", err
		}
		if len(subs) == 0 {
			return "no subscriptions", nil
		}
		var b strings.Builder
		for _, s := range subs {
			fmt.Fprintf(&b, "%d until %s (by %s)\n", s.UserID, s.ExpiresAt.Format(time.RFC3339), s.AddedBy)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "kickall":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: kickall <user> [durationSec]")
		}
		userID, err := parseID(args[0])
		if err != nil {
			return "", err
		}
		duration := 0
		if len(args) > 1 {
			if duration, err = strconv.Atoi(args[1]); err != nil || duration < 0 {
				return "", fmt.Errorf("bad duration %q", args[1])
			}
		}
		n, err := sh.svc.KickAll(ctx, principal, userID, duration)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("kick queued for %d chats", n), nil

	case "unbanall":
		userID, err := oneID(args, "unbanall <user>")
		if err != nil {
			return "", err
		}
		n, err := sh.svc.UnbanAll(ctx, principal, userID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("unban queued for %d chats", n), nil

	default:
		return "", fmt.Errorf("unknown command %q", verb)
	}
}

func parseID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return n, nil
}

func oneID(args []string, usage string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	return parseID(args[0])
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func wordAndPair(args []string, usage string) (string, int64, error) {
	if len(args) < 1 {
		return "", 0, fmt.Errorf("usage: %s", usage)
	}
	var pairID int64
	if len(args) > 1 {
		var err error
		if pairID, err = parseID(args[1]); err != nil {
			return "", 0, err
		}
	}
	return args[0], pairID, nil
}

func asJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
