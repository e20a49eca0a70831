package types

// Role is the logical name of an axis on the diffractometer.
type Role string

const (
	RolePhi      Role = "phi"
	RolePhiY     Role = "phiy"
	RolePhiZ     Role = "phiz"
	RoleSampX    Role = "sampx"
	RoleSampY    Role = "sampy"
	RoleKappa    Role = "kappa"
	RoleKappaPhi Role = "kappa_phi"
	RoleZoom     Role = "zoom"
	RoleFocus    Role = "focus"
)

// AllRoles returns every axis role in a stable order.
func AllRoles() []Role {
	return []Role{
		RolePhi,
		RolePhiY,
		RolePhiZ,
		RoleSampX,
		RoleSampY,
		RoleKappa,
		RoleKappaPhi,
		RoleZoom,
		RoleFocus,
	}
}

// RequiredRoles are logged as configuration errors when unbound.
func RequiredRoles() []Role {
	return []Role{RolePhi, RoleKappa, RoleKappaPhi}
}

// CentredPositionRoles are the axes recorded in a centred position.
func CentredPositionRoles() []Role {
	return []Role{RolePhi, RolePhiY, RolePhiZ, RoleSampX, RoleSampY, RoleKappa, RoleKappaPhi}
}

// OmegaReference pins the phiz axis during centring.
type OmegaReference struct {
	Position float64 `json:"position"`
}
