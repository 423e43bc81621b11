package dashboard

import (
	"context"
	"sort"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"
	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
)

// Query tags.
const (
	QueryEntity            contracts.QueryType = "DASH/QUERY.ENTITY"
	QueryInsightAttributes contracts.QueryType = "DASH/QUERY.INSIGHT.ATTRIBUTES"
	QueryAttrs             contracts.QueryType = "attrs"
	QueryConnected         contracts.QueryType = "DASH/QUERY.ATTRIBUTES.CONNECTED"
)

// RefPayload is the payload of the ref-addressed queries.
type RefPayload struct {
	Ref backend.Ref `json:"ref"`
}

// DisplayFormPayload is the payload of QueryConnected.
type DisplayFormPayload struct {
	DisplayForm backend.Ref `json:"displayForm"`
}

// EntityQuery loads one entity.
func EntityQuery(ref backend.Ref) contracts.Query {
	return mustQuery(QueryEntity, RefPayload{Ref: ref})
}

// InsightAttributesQuery lists the display forms an insight is built from.
func InsightAttributesQuery(insight backend.Ref) contracts.Query {
	return mustQuery(QueryInsightAttributes, RefPayload{Ref: insight})
}

// ConnectedQuery lists the display forms sharing an insight with displayForm.
func ConnectedQuery(displayForm backend.Ref) contracts.Query {
	return mustQuery(QueryConnected, DisplayFormPayload{DisplayForm: displayForm})
}

func mustQuery(t contracts.QueryType, payload any) contracts.Query {
	q, err := contracts.NewQuery(t, payload)
	if err != nil {
		panic(err)
	}
	return q
}

func getEntity(t *kernel.Task, ref backend.Ref) (*backend.Entity, error) {
	dc := t.Dashboard()
	return kernel.Invoke(t, backend.OpGetEntity, func(ctx context.Context) (*backend.Entity, error) {
		return dc.Backend().GetEntity(ctx, dc.WorkspaceID(), ref)
	})
}

func queryEntity(t *kernel.Task, q contracts.Query) (any, error) {
	var p RefPayload
	if err := q.Decode(&p); err != nil {
		return nil, errorir.InvalidArguments(string(q.Type), "%v", err)
	}
	if p.Ref.ID == "" {
		return nil, errorir.InvalidArguments(string(q.Type), "ref.id is required")
	}
	return getEntity(t, p.Ref)
}

func queryInsightAttributes(t *kernel.Task, q contracts.Query) (any, error) {
	var p RefPayload
	if err := q.Decode(&p); err != nil {
		return nil, errorir.InvalidArguments(string(q.Type), "%v", err)
	}
	if p.Ref.Kind == "" {
		p.Ref.Kind = backend.KindInsight
	}
	insight, err := getEntity(t, p.Ref)
	if err != nil {
		return nil, err
	}
	return displayForms(insight.Links, backend.Ref{}), nil
}

// queryConnected collects, over every insight using the display form, the
// other display forms those insights use.
func queryConnected(t *kernel.Task, q contracts.Query) (any, error) {
	var p DisplayFormPayload
	if err := q.Decode(&p); err != nil {
		return nil, errorir.InvalidArguments(string(q.Type), "%v", err)
	}
	if p.DisplayForm.ID == "" {
		return nil, errorir.InvalidArguments(string(q.Type), "displayForm.id is required")
	}
	dc := t.Dashboard()
	insights, err := kernel.Invoke(t, backend.OpListEntities, func(ctx context.Context) ([]*backend.Entity, error) {
		return dc.Backend().ListEntities(ctx, dc.WorkspaceID(), backend.KindInsight,
			backend.ListOptions{LinkedTo: &p.DisplayForm})
	})
	if err != nil {
		return nil, err
	}
	var links []backend.Ref
	for _, in := range insights {
		links = append(links, in.Links...)
	}
	return displayForms(links, p.DisplayForm), nil
}

// displayForms returns the distinct display-form refs of links except skip,
// sorted by id.
func displayForms(links []backend.Ref, skip backend.Ref) []backend.Ref {
	seen := make(map[backend.Ref]struct{}, len(links))
	out := []backend.Ref{}
	for _, l := range links {
		if l.Kind != backend.KindDisplayForm || l == skip {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
