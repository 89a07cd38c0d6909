// Package team synchronizes IdP-managed team memberships from the groups
// claim delivered at login. User-created teams are never touched.
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/risedotdev/rise/internal/apierr"
	"github.com/risedotdev/rise/internal/store"
)

// Syncer overwrites a user's IdP-managed memberships to match the IdP
// groups set on each login.
type Syncer struct {
	teams  store.TeamStore
	logger *slog.Logger
}

func NewSyncer(teams store.TeamStore, logger *slog.Logger) *Syncer {
	return &Syncer{teams: teams, logger: logger}
}

// Sync diffs the user's current IdP-managed memberships against groups.
// Group and team names are matched case-insensitively, the same
// convention the platform-access allowlists use. Teams are created on
// demand with the IdP's casing; sync only ever grants the member role,
// never owner. A group whose name collides with a user-created team is
// skipped.
func (s *Syncer) Sync(ctx context.Context, userID string, groups []string) error {
	current, err := s.teams.ListIdPManagedTeamsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing idp-managed teams: %w", err)
	}

	// folded name → IdP casing
	desired := make(map[string]string, len(groups))
	for _, g := range groups {
		desired[strings.ToLower(g)] = g
	}

	currentByFold := make(map[string]store.Team, len(current))
	for _, t := range current {
		currentByFold[strings.ToLower(t.Name)] = t
	}

	for fold, name := range desired {
		if _, ok := currentByFold[fold]; ok {
			continue
		}
		team, err := s.teams.GetTeamByName(ctx, name)
		switch {
		case err == nil:
			if !team.IdPManaged {
				s.logger.Warn("idp group collides with user-created team, skipping", "team", team.Name)
				continue
			}
		case isNotFound(err):
			team, err = s.teams.CreateIdPManagedTeam(ctx, name)
			if err != nil {
				return fmt.Errorf("creating idp-managed team %q: %w", name, err)
			}
		default:
			return fmt.Errorf("looking up team %q: %w", name, err)
		}

		if err := s.teams.AddMember(ctx, team.ID, userID, store.TeamRoleMember); err != nil {
			return fmt.Errorf("adding membership in %q: %w", name, err)
		}
	}

	for fold, t := range currentByFold {
		if _, ok := desired[fold]; ok {
			continue
		}
		if err := s.teams.RemoveMember(ctx, t.ID, userID); err != nil {
			return fmt.Errorf("removing membership in %q: %w", t.Name, err)
		}
	}

	return nil
}

func isNotFound(err error) bool {
	var e *apierr.Error
	return errors.As(err, &e) && e.Kind == apierr.NotFound
}
