package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// authorConfirmWindow limits how often an already-known author row gets its
// confirmation timestamp refreshed.
const authorConfirmWindow = 30 * 24 * time.Hour

func normalizedKey(rec *vcs.VersionRecord) string {
	return strings.ToLower(rec.Normalized)
}

// versionFromRecord maps an upstream record onto a version row. ID and
// CreatedAt stay zero; callers fill them for updates.
func versionFromRecord(pkg *model.Package, rec *vcs.VersionRecord, now time.Time) *model.Version {
	v := &model.Version{
		PackageID:   pkg.ID,
		Name:        pkg.Name,
		Version:     rec.Version,
		Normalized:  rec.Normalized,
		Description: rec.Description,
		Homepage:    rec.Homepage,
		License:     strings.Join(rec.License, ", "),
		Development: rec.Development,
		SourceType:  rec.Source.Type,
		SourceURL:   rec.Source.URL,
		SourceRef:   rec.Source.Reference,
		Autoload:    rec.Autoload,
		Extra:       rec.Extra,
		Binaries:    rec.Binaries,
		Support:     rec.Support,
		ReleasedAt:  rec.ReleasedAt,
		UpdatedAt:   now,
	}
	if rec.Dist != nil {
		v.DistType = rec.Dist.Type
		v.DistURL = rec.Dist.URL
		v.DistRef = rec.Dist.Reference
		v.DistChecksum = rec.Dist.Checksum
	}
	return v
}

func (s *SyncService) createVersion(ctx context.Context, pkg *model.Package, rec *vcs.VersionRecord, now time.Time) (*model.Version, error) {
	v := versionFromRecord(pkg, rec, now)
	v.CreatedAt = now

	created, err := s.versions.Create(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("create version %s %s: %w", pkg.Name, rec.Version, err)
	}
	if err := s.reconcileAttachments(ctx, created.ID, rec, now); err != nil {
		return nil, fmt.Errorf("attach version %s %s: %w", pkg.Name, rec.Version, err)
	}
	return created, nil
}

func (s *SyncService) updateVersion(ctx context.Context, pkg *model.Package, current *model.Version, rec *vcs.VersionRecord, now time.Time) error {
	v := versionFromRecord(pkg, rec, now)
	v.ID = current.ID
	v.CreatedAt = current.CreatedAt

	if err := s.versions.Update(ctx, v); err != nil {
		return fmt.Errorf("update version %s %s: %w", pkg.Name, rec.Version, err)
	}
	if err := s.reconcileAttachments(ctx, current.ID, rec, now); err != nil {
		return fmt.Errorf("reattach version %s %s: %w", pkg.Name, rec.Version, err)
	}
	return nil
}

// reconcileAttachments brings links, keywords and authors of a version in line
// with the upstream record.
func (s *SyncService) reconcileAttachments(ctx context.Context, versionID int64, rec *vcs.VersionRecord, now time.Time) error {
	for _, kind := range model.LinkKinds {
		if err := s.reconcileLinks(ctx, versionID, kind, linkSet(rec, kind)); err != nil {
			return err
		}
	}

	// Suggest links are all-or-nothing: a manifest without suggestions wipes
	// whatever was stored before.
	if len(rec.Suggest) == 0 {
		if err := s.versions.DeleteAllLinks(ctx, versionID, model.LinkSuggest); err != nil {
			return fmt.Errorf("clear suggest links: %w", err)
		}
	} else if err := s.reconcileLinks(ctx, versionID, model.LinkSuggest, rec.Suggest); err != nil {
		return err
	}

	if err := s.reconcileTags(ctx, versionID, rec.Keywords); err != nil {
		return err
	}
	return s.reconcileAuthors(ctx, versionID, rec.Authors, now)
}

func linkSet(rec *vcs.VersionRecord, kind model.LinkKind) map[string]string {
	switch kind {
	case model.LinkRequire:
		return rec.Require
	case model.LinkDevRequire:
		return rec.DevRequire
	case model.LinkConflict:
		return rec.Conflict
	case model.LinkProvide:
		return rec.Provide
	case model.LinkReplace:
		return rec.Replace
	default:
		return nil
	}
}

func (s *SyncService) reconcileLinks(ctx context.Context, versionID int64, kind model.LinkKind, desired map[string]string) error {
	stored, err := s.versions.ListLinks(ctx, versionID, kind)
	if err != nil {
		return fmt.Errorf("list %s links: %w", kind, err)
	}

	var stale []string
	for target, constraint := range stored {
		if want, ok := desired[target]; !ok || want != constraint {
			stale = append(stale, target)
		}
	}
	missing := make(map[string]string)
	for target, constraint := range desired {
		if have, ok := stored[target]; !ok || have != constraint {
			missing[target] = constraint
		}
	}

	if len(stale) > 0 {
		if err := s.versions.DeleteLinks(ctx, versionID, kind, stale); err != nil {
			return fmt.Errorf("delete %s links: %w", kind, err)
		}
	}
	if len(missing) > 0 {
		if err := s.versions.InsertLinks(ctx, versionID, kind, missing); err != nil {
			return fmt.Errorf("insert %s links: %w", kind, err)
		}
	}
	return nil
}

func (s *SyncService) reconcileTags(ctx context.Context, versionID int64, keywords []string) error {
	stored, err := s.versions.ListTags(ctx, versionID)
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}

	desired := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		desired[kw] = true
	}

	for name, tagID := range stored {
		if !desired[name] {
			if err := s.versions.DetachTag(ctx, versionID, tagID); err != nil {
				return fmt.Errorf("detach tag %s: %w", name, err)
			}
		}
	}
	for name := range desired {
		if _, ok := stored[name]; ok {
			continue
		}
		tagID, ensureErr := s.versions.EnsureTag(ctx, name)
		if ensureErr != nil {
			return fmt.Errorf("ensure tag %s: %w", name, ensureErr)
		}
		if err := s.versions.AttachTag(ctx, versionID, tagID); err != nil {
			return fmt.Errorf("attach tag %s: %w", name, err)
		}
	}
	return nil
}

func (s *SyncService) reconcileAuthors(ctx context.Context, versionID int64, records []vcs.AuthorRecord, now time.Time) error {
	for _, rec := range records {
		author := &model.Author{
			Email:    rec.Email,
			Name:     rec.Name,
			Homepage: rec.Homepage,
			Role:     rec.Role,
		}
		if author.IdentityKey() == "\x00\x00\x00" {
			continue
		}

		found, err := s.versions.FindAuthor(ctx, author)
		if err != nil {
			return fmt.Errorf("find author: %w", err)
		}
		if found == nil {
			created, createErr := s.versions.CreateAuthor(ctx, author)
			if createErr != nil {
				return fmt.Errorf("create author: %w", createErr)
			}
			found = created
		} else if found.LastConfirmedAt == nil || now.Sub(*found.LastConfirmedAt) >= authorConfirmWindow {
			if err := s.versions.ConfirmAuthor(ctx, found.ID, now); err != nil {
				return fmt.Errorf("confirm author: %w", err)
			}
		}

		if err := s.versions.AttachAuthor(ctx, versionID, found.ID); err != nil {
			return fmt.Errorf("attach author: %w", err)
		}
	}
	return nil
}
