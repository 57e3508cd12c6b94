package entities

import "github.com/shopspring/decimal"

// BaseUnitsPerAsset is the fixed-point scale of on-chain quantities,
// 10^9 base units per whole asset.
const BaseUnitsPerAsset = 1_000_000_000

// AssetQuantity converts a base-unit quantity to a whole-asset decimal.
func AssetQuantity(baseUnits uint64) decimal.Decimal {
	return decimal.New(int64(baseUnits), -9)
}

// BaseUnits converts a whole-asset decimal back to base units, truncating
// anything below one base unit.
func BaseUnits(assets decimal.Decimal) uint64 {
	return uint64(assets.Shift(9).IntPart())
}
