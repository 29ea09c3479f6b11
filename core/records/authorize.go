// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package records

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/relabs-tech/recordbase/core"
	"github.com/relabs-tech/recordbase/core/collection"
	"github.com/relabs-tech/recordbase/core/filter"
	"github.com/relabs-tech/recordbase/core/logger"
	"github.com/relabs-tech/recordbase/core/rules"
)

// Authorize evaluates the rule of action against record for the
// authorization in ctx. Superusers pass every rule, an unset rule denies
// everybody else. A failed evaluation is returned as core.ErrEvaluation,
// a denial as core.ErrForbidden.
func (s *Store) Authorize(ctx context.Context, coll *collection.Collection, action core.Action, record *Record) error {
	auth := core.AuthorizationFromContext(ctx)
	if auth.IsSuperuser() {
		return nil
	}
	rule := coll.Rule(action)
	if rule == nil {
		return core.Forbiddenf("%s on %s is reserved to superusers", action, coll.Name)
	}
	var data map[string]interface{}
	if record != nil {
		data = record.Data
	}
	ok, err := rule.Evaluate(rules.NewVars(auth.Data(), data))
	if err != nil {
		return errors.Wrapf(err, "%s rule of %s", action, coll.Name)
	}
	if !ok {
		logger.FromContext(ctx).Debugf("%s on %s denied for %q", action, coll.Name, auth.ID())
		return core.Forbiddenf("%s on %s", action, coll.Name)
	}
	return nil
}

// listRuleConditions interpolates the list rule of coll for the
// authorization in ctx. Superusers are not restricted. A rule which does not
// parse completely denies the list.
func listRuleConditions(ctx context.Context, coll *collection.Collection) (filter.Conditions, error) {
	auth := core.AuthorizationFromContext(ctx)
	if auth.IsSuperuser() {
		return nil, nil
	}
	rule := coll.Rule(core.ActionList)
	text, err := rule.Text()
	if err != nil || strings.Contains(text, rules.SuperuserOnly) {
		return nil, core.Forbiddenf("list on %s is reserved to superusers", coll.Name)
	}
	interpolated, err := rule.Interpolate(rules.NewVars(auth.Data(), nil))
	if err != nil {
		return nil, err
	}
	conds, err := filter.Parse(interpolated)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5305: list rule of %s cannot be applied", coll.Name)
		return nil, core.Forbiddenf("list on %s", coll.Name)
	}
	return conds, nil
}
