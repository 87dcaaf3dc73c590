package postgres

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Identity *IdentityRepository
	Users    *UserRepository
	Roles    *RoleRepository
	Groups   *GroupRepository
	Seeder   *RegistrySeeder
}

// NewRepositories wires all repositories backed by the provided pool or mock.
func NewRepositories(db pgDB) *Repositories {
	return &Repositories{
		Identity: NewIdentityRepository(db),
		Users:    NewUserRepository(db),
		Roles:    NewRoleRepository(db),
		Groups:   NewGroupRepository(db),
		Seeder:   NewRegistrySeeder(db),
	}
}
