package interceptor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/attribution"
	"github.com/rpggio/activitylog/internal/domain/activity"
)

// Stage is how far a request has progressed through capture.
type Stage string

const (
	StageArrived          Stage = "arrived"
	StagePreCaptured      Stage = "pre_captured"
	StageDelegated        Stage = "delegated"
	StageResponseObserved Stage = "response_observed"
	StageRecorded         Stage = "recorded"
)

// Capture is the request-scoped state carried from the pre-mutation hook to the
// response hook. It is never shared between requests.
type Capture struct {
	Action     Action
	EntityType string
	RecordID   string
	// Original is the pre-mutation record for update and destroy; nil if unavailable.
	Original activity.Snapshot
	Stage    Stage
}

// arrive returns nil when the request needs no capture.
func (i *Interceptor) arrive(layer CRUDLayer, action Action, r *http.Request) (c *Capture) {
	defer func() {
		if p := recover(); p != nil {
			i.logger.Error("failed to resolve capture target", zap.Any("panic", p))
			c = nil
		}
	}()

	entityType := layer.EntityType(r)
	if entityType == "" || !i.recorder.ShouldTrack(entityType) {
		return nil
	}
	c = &Capture{Action: action, EntityType: entityType, Stage: StageArrived}
	if action != ActionCreate {
		c.RecordID = layer.RecordID(r)
		if c.RecordID == "" {
			return nil
		}
	}
	return c
}

// preCapture loads the current record. Failures leave Original nil.
func (i *Interceptor) preCapture(ctx context.Context, c *Capture) {
	defer i.recoverCapture(c, "pre_capture")

	if !i.settings.TrackData {
		return
	}
	if i.finder == nil {
		return
	}
	original, err := i.finder.FindByID(ctx, c.EntityType, c.RecordID)
	if err != nil || original == nil {
		i.metrics.IncrementCaptureFailure(c.Action.activity())
		i.logger.Warn("couldn't fetch original record",
			zap.String("entity_type", c.EntityType),
			zap.String("record_id", c.RecordID),
			zap.Error(err))
		return
	}
	c.Original = original
	c.Stage = StagePreCaptured
}

// record runs in the background after a successful response.
func (i *Interceptor) record(ctx context.Context, r *http.Request, c *Capture, resp observedResponse) {
	fields := []zap.Field{
		zap.String("action", string(c.Action)),
		zap.String("entity_type", c.EntityType),
	}

	recordID := c.RecordID
	var changes activity.Changes

	switch c.Action {
	case ActionCreate:
		recordID = createdID(resp)
		if recordID == "" {
			i.logger.Warn("could not determine record id for create activity", fields...)
			return
		}
		changes = activity.Changes{}

	case ActionUpdate:
		fields = append(fields, zap.String("record_id", recordID))
		switch {
		case !i.settings.TrackData:
			changes = activity.Changes{}
		case c.Original == nil:
			i.logger.Warn("recording update without original record", fields...)
			changes = activity.Changes{}
		default:
			after := i.afterState(ctx, c, resp)
			if after == nil {
				i.logger.Warn("could not find updated record", fields...)
				return
			}
			diff := activity.Diff(c.Original, after, i.settings.ExcludeFields...)
			if diff.IsEmpty() {
				i.logger.Debug("update changed nothing; no activity recorded", fields...)
				return
			}
			changes = diff.Payload()
		}

	case ActionDestroy:
		fields = append(fields, zap.String("record_id", recordID))
		switch {
		case !i.settings.TrackData:
			changes = activity.Changes{}
		case c.Original == nil:
			i.logger.Warn("recording delete without original record", fields...)
			changes = activity.Changes{}
		default:
			changes = activity.DeletedPayload(c.Original)
		}

	default:
		return
	}

	out, err := i.recorder.Record(ctx, activity.RecordRequest{
		Action:     c.Action.activity(),
		EntityType: c.EntityType,
		RecordID:   recordID,
		Changes:    changes,
		ActorID:    i.attribute(r),
	})
	if err != nil {
		i.logger.Error("activity rejected", append(fields, zap.Error(err))...)
		return
	}
	if out.Status == activity.StatusRecorded {
		c.Stage = StageRecorded
	}
}

// attribute returns "" when no actor can be resolved.
func (i *Interceptor) attribute(r *http.Request) string {
	if i.attributor == nil {
		return ""
	}
	id, source, err := i.attributor.ResolveSource(r)
	if err != nil {
		i.metrics.IncrementAttribution(string(attribution.SourceNone))
		i.logger.Debug("no actor found for activity", zap.Error(err))
		return ""
	}
	i.metrics.IncrementAttribution(string(source))
	return id
}

// afterState prefers the response payload when it describes the updated record,
// and falls back to a fresh lookup.
func (i *Interceptor) afterState(ctx context.Context, c *Capture, resp observedResponse) activity.Snapshot {
	if body := responseObject(resp); body != nil {
		if id, ok := idString(body["id"]); ok && id == c.RecordID {
			return body
		}
	}
	if i.finder == nil {
		return nil
	}
	after, err := i.finder.FindByID(ctx, c.EntityType, c.RecordID)
	if err != nil {
		i.metrics.IncrementCaptureFailure(c.Action.activity())
		i.logger.Debug("failed to re-fetch updated record", zap.Error(err))
		return nil
	}
	return after
}

// createdID reads the new record's id from the response body, then the Location header.
func createdID(resp observedResponse) string {
	if body := responseObject(resp); body != nil {
		if id, ok := idString(body["id"]); ok {
			return id
		}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}
	last := path.Base(strings.TrimRight(location, "/"))
	if last == "." || last == "/" {
		return ""
	}
	return last
}

func responseObject(resp observedResponse) activity.Snapshot {
	if resp.Truncated || len(resp.Body) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(resp.Body, &obj); err != nil {
		return nil
	}
	return obj
}

func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		id = strings.TrimSpace(id)
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	}
	return "", false
}
