/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package prefix

import "time"

// LeaseHint adapts any Receiver's current lease lifetime into a
// route.LeaseHinter (satisfied by duck typing: NextRecheck is the only
// method required). A RAReceiver or DHCPv6PDReceiver running alongside the
// primary AddrReadPrefixer purely to predict the next renewal feeds this.
type LeaseHint struct {
	Receiver Receiver
}

// NextRecheck reports the time remaining until the receiver's current
// lease leaves its preferred lifetime, so the caller can recheck sooner
// than a fixed poll interval. Returns ok=false when there is no active
// lease or it carries no preferred lifetime (e.g. a static assignment).
func (h LeaseHint) NextRecheck() (time.Duration, bool) {
	p := h.Receiver.CurrentPrefix()
	if p == nil || p.PreferredLifetime <= 0 {
		return 0, false
	}

	remaining := time.Until(p.ReceivedAt.Add(p.PreferredLifetime))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
