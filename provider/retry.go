// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// lookupWithRetry retries transient network failures with jittered
// exponential backoff, up to maxRetries additional attempts. Rate limiting
// is not retried here: the coordinator owns that backoff so it can weigh it
// against the contact deadline. All other failures propagate immediately.
func lookupWithRetry(ctx context.Context, a Adapter, contact *NormalizedContact, maxRetries int) (*Result, error) {
	var res *Result
	op := func() error {
		r, err := a.Lookup(ctx, contact)
		if err != nil {
			if kind, ok := Failure(err); ok && kind == FailTransientNetwork {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(maxRetries)))
	if err != nil {
		return nil, err
	}
	return res, nil
}
