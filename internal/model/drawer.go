package model

// Drawer is the fixed top-level category assigned to a signature at
// extraction time. The taxonomy is deliberately small and closed.
type Drawer int

const (
	DrawerUnknown        Drawer = 0
	DrawerHTFBias        Drawer = 1 // Higher-timeframe directional context
	DrawerStructure      Drawer = 2 // Structural breaks and formations
	DrawerPremiumDiscount Drawer = 3 // Price relative to range
	DrawerEntryModel     Drawer = 4 // Specific entry patterns
	DrawerConfirmation   Drawer = 5 // Additional validation signals
)

var drawerNames = map[Drawer]string{
	DrawerHTFBias:         "HTF_BIAS",
	DrawerStructure:       "MARKET_STRUCTURE",
	DrawerPremiumDiscount: "PREMIUM_DISCOUNT",
	DrawerEntryModel:      "ENTRY_MODEL",
	DrawerConfirmation:    "CONFIRMATION",
}

// Drawers lists every valid drawer in taxonomy order.
func Drawers() []Drawer {
	return []Drawer{
		DrawerHTFBias,
		DrawerStructure,
		DrawerPremiumDiscount,
		DrawerEntryModel,
		DrawerConfirmation,
	}
}

func (d Drawer) String() string {
	if name, ok := drawerNames[d]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether d is part of the taxonomy.
func (d Drawer) Valid() bool {
	_, ok := drawerNames[d]
	return ok
}
