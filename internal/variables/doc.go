// Package variables holds the gateway's named variables: atoms (mostly
// static facts such as the OS or location) and states (values that change
// at runtime such as "is_light"). Each value is scoped to the gateway that
// owns it, so a gateway also keeps the values its peers have shared.
//
// Local changes fire the atoms_set / states_set hooks; values imported from
// peers fire them too, tagged with their source so listeners such as the
// cluster sync layer can skip re-publishing them.
package variables
