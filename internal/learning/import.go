package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const DefaultChunkSize = 50

// ImportOptions tunes Import.
type ImportOptions struct {
	// ChunkSize is the number of conversations learned between progress
	// logs. Defaults to DefaultChunkSize.
	ChunkSize int

	// OperatorID is recorded on every learned exchange.
	OperatorID string
}

// ImportResult counts what an import did.
type ImportResult struct {
	Conversations int `json:"conversations"`
	Pairs         int `json:"pairs"`
	Created       int `json:"created"`
	Reinforced    int `json:"reinforced"`
	Skipped       int `json:"skipped"`
}

type exportConversation struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Title          string                 `json:"title"`
	Mapping        map[string]*exportNode `json:"mapping"`
}

type exportNode struct {
	ID       string         `json:"id"`
	Message  *exportMessage `json:"message"`
	Parent   *string        `json:"parent"`
	Children []string       `json:"children"`
}

type exportMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	Content struct {
		Parts []json.RawMessage `json:"parts"`
	} `json:"content"`
	CreateTime *float64 `json:"create_time"`
}

type turn struct {
	role string
	text string
}

// text joins string parts and the text field of object parts.
func (m *exportMessage) text() string {
	var out []string
	for _, raw := range m.Content.Parts {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Text) != "" {
			out = append(out, strings.TrimSpace(obj.Text))
		}
	}
	return strings.Join(out, " ")
}

// turns linearizes the conversation along its current branch: from the
// root, always following the last child. Exports without a usable tree are
// ordered by message time.
func (c *exportConversation) turns() []turn {
	var root string
	for id, n := range c.Mapping {
		if n == nil {
			continue
		}
		if n.Parent == nil || *n.Parent == "" || c.Mapping[*n.Parent] == nil {
			if root == "" || id < root {
				root = id
			}
		}
	}

	var out []turn
	add := func(n *exportNode) {
		if n == nil || n.Message == nil {
			return
		}
		if t := n.Message.text(); t != "" {
			out = append(out, turn{role: n.Message.Author.Role, text: t})
		}
	}

	if root != "" {
		seen := make(map[string]bool)
		for id := root; id != "" && !seen[id]; {
			seen[id] = true
			n := c.Mapping[id]
			if n == nil {
				break
			}
			add(n)
			if len(n.Children) == 0 {
				break
			}
			id = n.Children[len(n.Children)-1]
		}
		return out
	}

	nodes := make([]*exportNode, 0, len(c.Mapping))
	for _, n := range c.Mapping {
		if n != nil && n.Message != nil {
			nodes = append(nodes, n)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return createTime(nodes[i]) < createTime(nodes[j])
	})
	for _, n := range nodes {
		add(n)
	}
	return out
}

func createTime(n *exportNode) float64 {
	if n.Message.CreateTime == nil {
		return 0
	}
	return *n.Message.CreateTime
}

func isOperatorRole(role string) bool {
	return role == "assistant" || role == "operator" || role == "agent"
}

// pairs matches each customer turn with the next operator reply.
func pairs(turns []turn) [][2]string {
	var out [][2]string
	for i := 0; i < len(turns); i++ {
		if turns[i].role != "user" {
			continue
		}
		for j := i + 1; j < len(turns); j++ {
			if turns[j].role == "user" {
				break
			}
			if isOperatorRole(turns[j].role) {
				out = append(out, [2]string{turns[i].text, turns[j].text})
				i = j
				break
			}
		}
	}
	return out
}

// Import learns every customer/operator exchange in a conversation export:
// a JSON array of conversations whose messages live in a "mapping" of
// nodes. Malformed exchanges are skipped; dependency failures stop the
// import and return the counts so far.
func (p *Pipeline) Import(ctx context.Context, r io.Reader, opts ImportOptions) (ImportResult, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	var res ImportResult

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return res, fmt.Errorf("reading export: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return res, errors.New("reading export: expected a JSON array of conversations")
	}

	chunk := make([]exportConversation, 0, opts.ChunkSize)
	chunkIdx := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		before := res
		for i := range chunk {
			if err := p.importConversation(ctx, &chunk[i], res.Conversations+i, opts, &res); err != nil {
				return err
			}
		}
		res.Conversations += len(chunk)
		chunkIdx++
		p.logger.Info("import chunk processed",
			zap.Int("chunk", chunkIdx),
			zap.Int("conversations", len(chunk)),
			zap.Int("created", res.Created-before.Created),
			zap.Int("reinforced", res.Reinforced-before.Reinforced),
			zap.Int("skipped", res.Skipped-before.Skipped))
		chunk = chunk[:0]
		return nil
	}

	for dec.More() {
		var conv exportConversation
		if err := dec.Decode(&conv); err != nil {
			return res, fmt.Errorf("decoding conversation %d: %w", res.Conversations+len(chunk), err)
		}
		chunk = append(chunk, conv)
		if len(chunk) == opts.ChunkSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	p.logger.Info("import finished",
		zap.Int("conversations", res.Conversations),
		zap.Int("pairs", res.Pairs),
		zap.Int("created", res.Created),
		zap.Int("reinforced", res.Reinforced),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (p *Pipeline) importConversation(ctx context.Context, conv *exportConversation, idx int, opts ImportOptions, res *ImportResult) error {
	convID := conv.ID
	if convID == "" {
		convID = conv.ConversationID
	}
	if convID == "" {
		convID = fmt.Sprintf("import-%d", idx)
	}

	for _, pr := range pairs(conv.turns()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Pairs++
		out, err := p.Learn(ctx, Input{
			ConversationID:   convID,
			CustomerMessage:  pr[0],
			OperatorResponse: pr[1],
			OperatorID:       opts.OperatorID,
		})
		if err != nil {
			if IsInputError(err) {
				res.Skipped++
				continue
			}
			return fmt.Errorf("learning from conversation %s: %w", convID, err)
		}
		switch out.Kind {
		case KindCreated:
			res.Created++
		case KindReinforced:
			res.Reinforced++
		}
	}
	return nil
}
