package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/syncer"
)

// Entity tables, also used as cache namespaces
const (
	TableStages             = "stages"
	TableSorties            = "sorties"
	TablePedagogicalContent = "pedagogical_content"
	TableGames              = "games"
	TableGameCards          = "game_cards"
)

// Tables lists every entity table the client knows about
var Tables = []string{
	TableStages,
	TableSorties,
	TablePedagogicalContent,
	TableGames,
	TableGameCards,
}

// Stage is a training course made of sorties
type Stage struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// Sortie is a single session of a stage
type Sortie struct {
	ID      int64  `json:"id"`
	StageID int64  `json:"stage_id"`
	Title   string `json:"title"`
	Date    string `json:"date,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Stages lists every stage
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var stages []Stage
	if err := c.List(ctx, TableStages, &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

// SortiesForStage returns a fetcher for the sorties of one stage
func (c *Client) SortiesForStage(stageID int64) func(ctx context.Context) ([]Sortie, error) {
	return func(ctx context.Context) ([]Sortie, error) {
		var sorties []Sortie
		if err := c.List(ctx, TableSorties, &sorties, Eq("stage_id", strconv.FormatInt(stageID, 10))); err != nil {
			return nil, err
		}
		return sorties, nil
	}
}

// Rows returns a fetcher for every row of table as raw JSON objects, for
// entity types without a typed helper.
func (c *Client) Rows(table string) func(ctx context.Context) ([]json.RawMessage, error) {
	return func(ctx context.Context) ([]json.RawMessage, error) {
		var rows []json.RawMessage
		if err := c.List(ctx, table, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
}

// EntityPayload is the payload of the built-in create, update and delete
// action kinds
type EntityPayload struct {
	Table string          `json:"table"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEntityPayload marshals data into a payload for table
func NewEntityPayload(table, id string, data any) (EntityPayload, error) {
	p := EntityPayload{Table: table, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return EntityPayload{}, fmt.Errorf("marshal %s row: %w", table, err)
		}
		p.Data = raw
	}
	return p, nil
}

func decodePayload(payload json.RawMessage) (EntityPayload, error) {
	var p EntityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", syncer.ErrInvalidPayload, err)
	}
	if p.Table == "" {
		return p, fmt.Errorf("%w: table is required", syncer.ErrInvalidPayload)
	}
	return p, nil
}

// entityApplier replays one of the built-in entity kinds. Validate runs the
// same payload checks as Apply, without the remote call.
type entityApplier struct {
	verb      string
	needsID   bool
	needsData bool
	apply     func(ctx context.Context, p EntityPayload) error
}

func (a entityApplier) Validate(payload json.RawMessage) error {
	_, err := a.decode(payload)
	return err
}

func (a entityApplier) Apply(ctx context.Context, action proto.QueuedAction) error {
	p, err := a.decode(action.Payload)
	if err != nil {
		return err
	}
	return a.apply(ctx, p)
}

func (a entityApplier) decode(payload json.RawMessage) (EntityPayload, error) {
	p, err := decodePayload(payload)
	if err != nil {
		return p, err
	}
	if a.needsID && p.ID == "" {
		return p, fmt.Errorf("%w: %s needs a row id", syncer.ErrInvalidPayload, a.verb)
	}
	if a.needsData && (len(p.Data) == 0 || string(p.Data) == "null") {
		return p, fmt.Errorf("%w: %s needs data", syncer.ErrInvalidPayload, a.verb)
	}
	return p, nil
}

// Appliers maps the built-in action kinds to remote calls
func (c *Client) Appliers() syncer.Appliers {
	return syncer.Appliers{
		proto.ActionKind_CREATE_ENTITY: entityApplier{
			verb:      "create",
			needsData: true,
			apply: func(ctx context.Context, p EntityPayload) error {
				return c.Insert(ctx, p.Table, p.Data)
			},
		},
		proto.ActionKind_UPDATE_ENTITY: entityApplier{
			verb:      "update",
			needsID:   true,
			needsData: true,
			apply: func(ctx context.Context, p EntityPayload) error {
				return c.Update(ctx, p.Table, p.ID, p.Data)
			},
		},
		proto.ActionKind_DELETE_ENTITY: entityApplier{
			verb:    "delete",
			needsID: true,
			apply: func(ctx context.Context, p EntityPayload) error {
				return c.Delete(ctx, p.Table, p.ID)
			},
		},
	}
}
