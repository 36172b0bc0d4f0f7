package adapter

import (
	"context"
	"encoding/json"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/graphmap"
	"github.com/danshapiro/decisiongraph/internal/transport"
)

// Cache keys for template resources. Invalidating "templates/**" drops every
// per-template entry.
const (
	keyTemplates = "templates"
)

func templateKey(id, suffix string) string { return keyTemplates + "/" + id + suffix }

func (a *Adapter) cachedJSON(ctx context.Context, key, path string, out any) error {
	body, err := a.cache.Revalidate(ctx, key, a.client.Revalidator(path))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		a.cache.Invalidate(key)
		return contract.NewError(contract.CodeServerError, "decode %s: %v", path, err)
	}
	return nil
}

// Templates lists the Engine's templates, revalidating the cached copy.
func (a *Adapter) Templates(ctx context.Context) (contract.TemplateList, error) {
	var out contract.TemplateList
	if err := a.cachedJSON(ctx, keyTemplates, transport.PathTemplates, &out); err != nil {
		return contract.TemplateList{}, a.fail(ctx, err)
	}
	return out, nil
}

func (a *Adapter) Template(ctx context.Context, id string) (contract.Template, error) {
	if id == "" {
		return contract.Template{}, contract.BadInput("id", "template id is required")
	}
	var out contract.Template
	if err := a.cachedJSON(ctx, templateKey(id, ""), transport.TemplatePath(id, ""), &out); err != nil {
		return contract.Template{}, a.fail(ctx, err)
	}
	return out, nil
}

// TemplateGraph fetches a template's graph and checks it against the wire
// schema before decoding.
func (a *Adapter) TemplateGraph(ctx context.Context, id string) (contract.WireGraph, error) {
	if id == "" {
		return contract.WireGraph{}, contract.BadInput("id", "template id is required")
	}
	key := templateKey(id, "/graph")
	body, err := a.cache.Revalidate(ctx, key, a.client.Revalidator(transport.TemplatePath(id, "/graph")))
	if err != nil {
		return contract.WireGraph{}, a.fail(ctx, err)
	}
	g, err := graphmap.DecodeWireGraph(body)
	if err != nil {
		a.cache.Invalidate(key)
		return contract.WireGraph{}, a.fail(ctx, err)
	}
	return g, nil
}

// InvalidateTemplates drops the list and every per-template entry.
func (a *Adapter) InvalidateTemplates() int {
	a.cache.Invalidate(keyTemplates)
	n, _ := a.cache.InvalidateMatching(keyTemplates + "/**")
	return n
}

// Share publishes a scenario snapshot.
func (a *Adapter) Share(ctx context.Context, g graphmap.UIGraph, rep *contract.Report, title string) (contract.ShareResponse, error) {
	wire, err := graphmap.ToWireGraph(g)
	if err != nil {
		return contract.ShareResponse{}, a.fail(ctx, err)
	}
	if err := a.checkLimits(ctx, wire); err != nil {
		return contract.ShareResponse{}, a.fail(ctx, err)
	}
	var out contract.ShareResponse
	if err := a.client.PostJSON(ctx, transport.PathShare, contract.ShareRequest{Graph: wire, Report: rep, Title: title}, &out); err != nil {
		return contract.ShareResponse{}, a.fail(ctx, err)
	}
	return out, nil
}

func (a *Adapter) GetShare(ctx context.Context, id string) (contract.SharedScenario, error) {
	if id == "" {
		return contract.SharedScenario{}, contract.BadInput("id", "share id is required")
	}
	var out contract.SharedScenario
	if err := a.client.GetJSON(ctx, transport.SharePath(id), &out); err != nil {
		return contract.SharedScenario{}, a.fail(ctx, err)
	}
	return out, nil
}
