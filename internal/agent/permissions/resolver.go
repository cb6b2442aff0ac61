// Package permissions implements the Permission Resolver (C7): a thin
// validation layer over the State Store's agent_permissions table. The
// store already enforces uniqueness and self-edge rejection; this package
// adds the strict-grant rule -- a grant naming an agent that does not
// exist is rejected outright, never silently accepted.
package permissions

import (
	"context"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/store"
)

// Resolver answers and mutates dispatch permissions between agents.
type Resolver struct {
	agents      *store.AgentStore
	permissions *store.PermissionStore
}

// New builds a Resolver over the given store.
func New(st *store.Store) *Resolver {
	return &Resolver{agents: st.Agents, permissions: st.Permissions}
}

// Grant authorizes sourceAgent to dispatch work to targetAgent. Both agents
// must already exist; an unknown source or target is rejected with
// NotFound rather than creating a dangling permission row.
func (r *Resolver) Grant(ctx context.Context, sourceAgent, targetAgent, grantedBy string) error {
	if _, err := r.agents.Get(ctx, sourceAgent); err != nil {
		return err
	}
	if _, err := r.agents.Get(ctx, targetAgent); err != nil {
		return err
	}
	return r.permissions.Grant(ctx, sourceAgent, targetAgent, grantedBy)
}

// Revoke withdraws a previously granted dispatch edge.
func (r *Resolver) Revoke(ctx context.Context, sourceAgent, targetAgent string) error {
	return r.permissions.Revoke(ctx, sourceAgent, targetAgent)
}

// CanDispatch reports whether sourceAgent may dispatch to targetAgent. This
// delegates directly to the store -- self-edges and existing grants are its
// authority -- since checking agent existence on every dispatch call would
// add a query the hot path doesn't need.
func (r *Resolver) CanDispatch(ctx context.Context, sourceAgent, targetAgent string) (bool, error) {
	return r.permissions.CanDispatch(ctx, sourceAgent, targetAgent)
}

// Authorize is CanDispatch with the rejection turned into a PermissionError,
// for call sites (the Control API's dispatch handler, the Scheduler's
// dispatcher) that want to fail the request rather than branch on a bool.
func (r *Resolver) Authorize(ctx context.Context, sourceAgent, targetAgent string) error {
	can, err := r.CanDispatch(ctx, sourceAgent, targetAgent)
	if err != nil {
		return err
	}
	if !can {
		return apierr.Permission("agent '" + sourceAgent + "' may not dispatch to '" + targetAgent + "'")
	}
	return nil
}

// ListReachable returns every agent sourceAgent may dispatch to.
func (r *Resolver) ListReachable(ctx context.Context, sourceAgent string) ([]string, error) {
	return r.permissions.ListReachable(ctx, sourceAgent)
}

// ListInbound returns every agent permitted to dispatch to targetAgent.
func (r *Resolver) ListInbound(ctx context.Context, targetAgent string) ([]string, error) {
	return r.permissions.ListInbound(ctx, targetAgent)
}

// GrantOwnerDefault wires the bidirectional edge created whenever a new
// agent is provisioned: the new agent and every other agent owned by the
// same user can reach each other immediately, with no explicit grant step.
func (r *Resolver) GrantOwnerDefault(ctx context.Context, newAgent, ownerUsername string) error {
	owned, err := r.agents.List(ctx, ownerUsername)
	if err != nil {
		return err
	}
	for _, a := range owned {
		if a.Name == newAgent {
			continue
		}
		if err := r.permissions.GrantBidirectional(ctx, newAgent, a.Name, ownerUsername); err != nil {
			return err
		}
	}
	return nil
}

// DeleteForAgent removes every permission edge referencing name. Called as
// part of the Lifecycle Manager's deletion pipeline.
func (r *Resolver) DeleteForAgent(ctx context.Context, name string) error {
	return r.permissions.DeleteForAgent(ctx, name)
}
