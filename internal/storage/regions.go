// Package storage defines the durable region identifiers used by the
// platform's stable state layout.
//
// Each durable table owns a fixed region number. Region numbers are part of
// the persisted format (snapshots taken before an upgrade are restored by
// region), so they are never renumbered or reused. The factory registry and
// the tenant unit are separate namespaces; their numbers may overlap.
package storage

import "encoding/json"

// Region identifies one durable table within a namespace.
type Region uint8

// Factory registry regions.
const (
	RegionRegistryUnits      Region = 10 // unit records by id
	RegionRegistryOwnerIndex Region = 11 // owner principal -> unit ids
	RegionRegistryVersionSeq Region = 13 // monotonic package version counter
	RegionRegistryStats      Region = 14 // aggregate counters
	RegionRegistryPackage    Region = 15 // runtime package blob
)

// Tenant unit regions.
const (
	RegionUnitConfig           Region = 0
	RegionUnitOwner            Region = 1
	RegionInvoices             Region = 2
	RegionTransactions         Region = 3
	RegionBalances             Region = 4
	RegionInvoiceSeq           Region = 5
	RegionTransactionSeq       Region = 6
	RegionCoupons              Region = 10
	RegionCouponUsage          Region = 11
	RegionCouponSeq            Region = 12
	RegionPlans                Region = 13
	RegionSubscriptions        Region = 14
	RegionSubscriptionPayments Region = 15
	RegionSubscriptionSeq      Region = 16
)

// Snapshot is a region-keyed dump of durable state. Tenant units produce one
// before an in-place upgrade and restore from it afterwards.
type Snapshot map[Region]json.RawMessage

// Put marshals v into the snapshot under region r.
func (s Snapshot) Put(r Region, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s[r] = raw
	return nil
}

// Get unmarshals the value stored under region r into v. Missing regions are
// left as v's zero value and report false.
func (s Snapshot) Get(r Region, v any) (bool, error) {
	raw, ok := s[r]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}
