package housekeeping

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/billing"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/instances"
	"github.com/glimte/mmate-gateway/store"
)

type pass struct {
	*Scheduler
	root *contracts.Identity
	day  time.Time
}

func (p *pass) autocreateInstances(ctx context.Context) error {
	users, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "user", "nodered.autocreate": true},
	})
	if err != nil {
		return fmt.Errorf("failed to load autocreate users: %w", err)
	}
	for _, u := range users {
		if p.settings.MultiTenant && !p.hasSubscription(ctx, u.String("customerid")) {
			continue
		}
		name, err := instances.InstanceName(u.String("username"))
		if err != nil {
			p.logger.Warn("skipping instance autocreate", "user", u.String("_id"), "error", err)
			continue
		}
		target := instances.Target{UserID: u.String("_id"), Name: name}
		if err := p.instances.EnsureTarget(ctx, p.root, target, false); err != nil {
			p.logger.Warn("instance autocreate failed", "user", target.UserID, "instance", name, "error", err)
			continue
		}
		p.logger.Debug("ensured instance", "user", u.String("name"), "instance", name)
	}
	return nil
}

func (p *pass) hasSubscription(ctx context.Context, customerID string) bool {
	if customerID == "" {
		return false
	}
	customers, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "customer", "_id": customerID},
		Top:        1,
	})
	return err == nil && len(customers) == 1 && customers[0].String("subscriptionid") != ""
}

func (p *pass) ensureIndexes(ctx context.Context) error {
	return p.store.EnsureIndexes(ctx)
}

// SearchNames returns the lower-cased words of name (split on space, dot,
// dash and slash) followed by the full lower-cased name.
func SearchNames(name string) []string {
	lower := strings.ToLower(name)
	if lower == "" {
		return []string{}
	}
	words := strings.Fields(strings.NewReplacer(".", " ", "-", " ", "/", " ").Replace(lower))
	return append(words, lower)
}

func (p *pass) backfillSearchNames(ctx context.Context) error {
	for _, coll := range p.settings.SearchCollections {
		field, nameField := "_searchnames", "name"
		if coll == store.CollectionFiles {
			field, nameField = "metadata._searchnames", "metadata.name"
		}
		docs, err := p.store.Query(ctx, p.root, store.QueryRequest{
			Collection: coll,
			Query:      contracts.Document{field: map[string]any{"$exists": false}},
		})
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", coll, err)
		}
		if len(docs) == 0 {
			continue
		}
		p.logger.Info("creating search names", "collection", coll, "documents", len(docs))
		for _, d := range docs {
			names := SearchNames(d.String(nameField))
			_, err := p.store.UpdateOne(ctx, p.root, store.UpdateRequest{
				Collection: coll,
				Query:      contracts.Document{"_id": d.String("_id")},
				Item:       contracts.Document{"$set": map[string]any{field: names}},
			})
			if err != nil {
				return fmt.Errorf("failed to update search names in %s: %w", coll, err)
			}
		}
	}
	return nil
}

func usagePipeline(coll string) []map[string]any {
	size := map[string]any{"$bsonSize": "$$ROOT"}
	project := map[string]any{"_modifiedbyid": 1, "_modifiedby": 1, "object_size": size}
	groupID, groupName := "$_modifiedbyid", "$_modifiedby"
	switch coll {
	case store.CollectionFiles:
		project = map[string]any{"_modifiedbyid": "$metadata._modifiedbyid", "_modifiedby": "$metadata._modifiedby", "object_size": "$length"}
	case store.CollectionAudit:
		project = map[string]any{"userid": 1, "name": 1, "object_size": size}
		groupID, groupName = "$userid", "$name"
	}
	return []map[string]any{
		{"$project": project},
		{"$group": map[string]any{
			"_id":  groupID,
			"size": map[string]any{"$sum": "$object_size"},
			"name": map[string]any{"$first": groupName},
		}},
	}
}

func (p *pass) skipUsage(name string) bool {
	return name == "fs.chunks" ||
		strings.Contains(name, "system.") ||
		strings.HasSuffix(name, "_hist") ||
		slices.Contains(p.settings.SkipCollections, name)
}

func (p *pass) collectionUsage(ctx context.Context) error {
	collections, err := p.store.ListCollections(ctx, p.root)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	day := p.day.Format(time.RFC3339)
	var total float64
	for _, c := range collections {
		if p.skipUsage(c.Name) {
			continue
		}
		items, err := p.store.Aggregate(ctx, p.root, c.Name, usagePipeline(c.Name))
		if err != nil {
			return fmt.Errorf("failed to aggregate usage of %s: %w", c.Name, err)
		}
		if _, err := p.store.DeleteMany(ctx, p.root, store.CollectionDBUsage,
			contracts.Document{"timestamp": day, "collection": c.Name}, nil); err != nil {
			return fmt.Errorf("failed to clear usage of %s: %w", c.Name, err)
		}
		records := make([]contracts.Document, 0, len(items))
		var usage float64
		for _, item := range items {
			userID, _ := item["_id"].(string)
			if userID == "" {
				continue
			}
			name := item.String("name")
			size := item.Float("size")
			usage += size
			records = append(records, contracts.Document{
				"_type":      "metered",
				"userid":     userID,
				"username":   name,
				"name":       fmt.Sprintf("%s / %s / %s", name, c.Name, FormatBytes(size)),
				"collection": c.Name,
				"size":       size,
				"timestamp":  day,
				"_acl":       contracts.ACL{}.Grant(userID, name, contracts.RightRead).Document(),
			})
		}
		if len(records) == 0 {
			continue
		}
		if _, err := p.store.InsertMany(ctx, p.root, store.CollectionDBUsage, records, 0, false, true); err != nil {
			return fmt.Errorf("failed to store usage of %s: %w", c.Name, err)
		}
		total += usage
		p.logger.Debug("collection usage", "collection", c.Name, "users", len(records), "usage", FormatBytes(usage))
	}
	p.logger.Debug("collected usage", "collections", len(collections), "usage", FormatBytes(total))
	return nil
}

func (p *pass) setUsage(ctx context.Context, id string, size float64) error {
	_, err := p.store.UpdateOne(ctx, p.root, store.UpdateRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_id": id},
		Item:       contracts.Document{"$set": map[string]any{"dbusage": size}},
	})
	return err
}

func (p *pass) userUsage(ctx context.Context) error {
	day := p.day.Format(time.RFC3339)
	yesterday := p.day.AddDate(0, 0, -1).Format(time.RFC3339)
	users, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "user", "lastseen": map[string]any{"$gte": yesterday}},
	})
	if err != nil {
		return fmt.Errorf("failed to load active users: %w", err)
	}
	p.logger.Debug("updating user usage", "users", len(users))
	for _, u := range users {
		items, err := p.store.Aggregate(ctx, p.root, store.CollectionDBUsage, []map[string]any{
			{"$match": map[string]any{"userid": u.String("_id"), "timestamp": day}},
			{"$group": map[string]any{"_id": "$userid", "size": map[string]any{"$sum": "$size"}, "count": map[string]any{"$sum": 1}}},
		})
		if err != nil {
			return fmt.Errorf("failed to sum usage of %s: %w", u.String("_id"), err)
		}
		if len(items) == 0 {
			continue
		}
		if err := p.setUsage(ctx, u.String("_id"), items[0].Float("size")); err != nil {
			return fmt.Errorf("failed to update usage of %s: %w", u.String("_id"), err)
		}
	}
	return nil
}

func (p *pass) customers(ctx context.Context) ([]contracts.Document, error) {
	customers, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "customer"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}
	return customers, nil
}

func (p *pass) customerUsage(ctx context.Context) error {
	customers, err := p.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		users, err := p.store.Query(ctx, p.root, store.QueryRequest{
			Collection: store.CollectionUsers,
			Query:      contracts.Document{"_type": "user", "customerid": c.String("_id")},
			Projection: map[string]any{"dbusage": 1},
		})
		if err != nil {
			return fmt.Errorf("failed to load users of %s: %w", c.String("name"), err)
		}
		var usage float64
		for _, u := range users {
			usage += u.Float("dbusage")
		}
		if err := p.setUsage(ctx, c.String("_id"), usage); err != nil {
			return fmt.Errorf("failed to update usage of %s: %w", c.String("name"), err)
		}
		p.logger.Debug("customer usage", "customer", c.String("name"), "usage", FormatBytes(usage))
	}
	return nil
}

func (p *pass) setLocked(ctx context.Context, customerID string, locked bool) error {
	set := contracts.Document{"$set": map[string]any{"dblocked": locked}}
	if _, err := p.store.UpdateOne(ctx, p.root, store.UpdateRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_id": customerID},
		Item:       set,
	}); err != nil {
		return err
	}
	_, err := p.store.UpdateMany(ctx, p.root, store.UpdateRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"customerid": customerID},
		Item:       set,
	})
	return err
}

func (p *pass) enforceQuota(ctx context.Context) error {
	resources, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionConfig,
		Query:      contracts.Document{"_type": "resource", "name": billing.DatabaseUsageResource},
		Top:        1,
	})
	if err != nil {
		return fmt.Errorf("failed to load database usage resource: %w", err)
	}
	if len(resources) == 0 {
		return nil
	}
	resource, err := billing.DecodeResource(resources[0])
	if err != nil {
		return err
	}
	allowed := resource.DefaultMetadata.Float("dbusage")

	customers, err := p.customers(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		if err := p.enforceCustomerQuota(ctx, c, allowed); err != nil {
			return fmt.Errorf("failed to enforce quota of %s: %w", c.String("name"), err)
		}
	}

	users, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query: contracts.Document{"_type": "user", "$or": []any{
			map[string]any{"customerid": map[string]any{"$exists": false}},
			map[string]any{"customerid": ""},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to load users without customer: %w", err)
	}
	for _, u := range users {
		if contracts.IsBuiltin(u.String("_id")) {
			continue
		}
		over := u.Float("dbusage") > allowed
		if over == u.Bool("dblocked") {
			continue
		}
		if over {
			p.logger.Debug("locking database", "user", u.String("name"), "usage", FormatBytes(u.Float("dbusage")), "allowed", FormatBytes(allowed))
		} else {
			p.logger.Debug("unlocking database", "user", u.String("name"))
		}
		if _, err := p.store.UpdateOne(ctx, p.root, store.UpdateRequest{
			Collection: store.CollectionUsers,
			Query:      contracts.Document{"_id": u.String("_id")},
			Item:       contracts.Document{"$set": map[string]any{"dblocked": over}},
		}); err != nil {
			return fmt.Errorf("failed to update dblocked of %s: %w", u.String("name"), err)
		}
	}
	return nil
}

func (p *pass) enforceCustomerQuota(ctx context.Context, c contracts.Document, allowed float64) error {
	usages, err := p.store.Query(ctx, p.root, store.QueryRequest{
		Collection: store.CollectionConfig,
		Query: contracts.Document{
			"_type":      "resourceusage",
			"customerid": c.String("_id"),
			"resource":   billing.DatabaseUsageResource,
		},
		Top: 1,
	})
	if err != nil {
		return err
	}
	used := c.Float("dbusage")
	if len(usages) == 0 {
		return p.applyLock(ctx, c, used, allowed)
	}
	usage, err := billing.DecodeUsage(usages[0])
	if err != nil {
		return err
	}
	unit := usage.Product.Metadata.Float("dbusage")
	switch usage.Product.CustomerAssign {
	case billing.AssignSingle:
		return p.applyLock(ctx, c, used, allowed+float64(usage.Quantity)*unit)
	case billing.AssignMetered:
		if billable := used - allowed; billable > 0 && unit > 0 {
			units := int64(math.Ceil(billable / unit))
			p.logger.Debug("reporting metered database usage", "customer", c.String("name"),
				"billable", FormatBytes(billable), "units", units)
			if p.billing != nil && p.billing.Enabled() && usage.SIID != "" && c.String("stripeid") != "" {
				if err := p.billing.ReportUsage(ctx, usage.SIID, units); err != nil {
					return err
				}
			}
		}
		return p.setLocked(ctx, c.String("_id"), false)
	}
	return nil
}

func (p *pass) applyLock(ctx context.Context, c contracts.Document, used, quota float64) error {
	locked := used > quota
	if locked {
		p.logger.Debug("locking database", "customer", c.String("name"), "usage", FormatBytes(used), "allowed", FormatBytes(quota))
	} else if c.Bool("dblocked") {
		p.logger.Debug("unlocking database", "customer", c.String("name"), "usage", FormatBytes(used), "allowed", FormatBytes(quota))
	}
	return p.setLocked(ctx, c.String("_id"), locked)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n float64) string {
	units := []string{"Bytes", "KB", "MB", "GB", "TB", "PB"}
	i := 0
	for n >= 1024 && i < len(units)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", n, units[i])
	}
	return fmt.Sprintf("%.2f %s", n, units[i])
}
